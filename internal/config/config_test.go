package config

import "testing"

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MetricsAddr == "" {
		t.Error("expected default metrics addr")
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Agent.LogLevel)
	}
	if !cfg.Exporters.Prometheus.Enabled {
		t.Error("expected prometheus enabled by default")
	}
	if cfg.Cluster.Enabled {
		t.Error("expected cluster disabled by default")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/xdplb.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	want := Default().Agent.MetricsAddr
	if cfg.Agent.MetricsAddr != want {
		t.Errorf("MetricsAddr = %q, want %q", cfg.Agent.MetricsAddr, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid single proxy",
			cfg: &Config{
				Agent: AgentConfig{MetricsAddr: ":9090"},
				Proxies: []ProxyConfig{
					{Name: "web", Targets: []TargetConfig{{IP: "10.0.0.1", Port: 80, Weight: 100}}},
				},
			},
			wantErr: false,
		},
		{
			name: "missing metrics addr",
			cfg:  &Config{Proxies: []ProxyConfig{{Name: "web", Targets: []TargetConfig{{IP: "10.0.0.1", Port: 80}}}}},
			wantErr: true,
		},
		{
			name: "proxy with no name",
			cfg: &Config{
				Agent:   AgentConfig{MetricsAddr: ":9090"},
				Proxies: []ProxyConfig{{Targets: []TargetConfig{{IP: "10.0.0.1", Port: 80}}}},
			},
			wantErr: true,
		},
		{
			name: "proxy with no targets and no discovery",
			cfg: &Config{
				Agent:   AgentConfig{MetricsAddr: ":9090"},
				Proxies: []ProxyConfig{{Name: "web"}},
			},
			wantErr: true,
		},
		{
			name: "too many targets",
			cfg: &Config{
				Agent: AgentConfig{MetricsAddr: ":9090"},
				Proxies: []ProxyConfig{{
					Name: "web",
					Targets: []TargetConfig{
						{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"}, {IP: "10.0.0.4"},
						{IP: "10.0.0.5"}, {IP: "10.0.0.6"}, {IP: "10.0.0.7"}, {IP: "10.0.0.8"},
						{IP: "10.0.0.9"},
					},
				}},
			},
			wantErr: true,
		},
		{
			name: "duplicate proxy name",
			cfg: &Config{
				Agent: AgentConfig{MetricsAddr: ":9090"},
				Proxies: []ProxyConfig{
					{Name: "web", Targets: []TargetConfig{{IP: "10.0.0.1"}}},
					{Name: "web", Targets: []TargetConfig{{IP: "10.0.0.2"}}},
				},
			},
			wantErr: true,
		},
		{
			name: "cluster enabled without bind addr",
			cfg: &Config{
				Agent:   AgentConfig{MetricsAddr: ":9090"},
				Cluster: ClusterConfig{Enabled: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProxyByName(t *testing.T) {
	cfg := &Config{Proxies: []ProxyConfig{{Name: "web"}, {Name: "api"}}}

	if p := cfg.ProxyByName("api"); p == nil || p.Name != "api" {
		t.Errorf("ProxyByName(api) = %v", p)
	}
	if p := cfg.ProxyByName("missing"); p != nil {
		t.Errorf("ProxyByName(missing) = %v, want nil", p)
	}
}
