package bpfprog

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Loader loads the assembled ingress/egress programs into the kernel and
// attaches them to an interface. Production code uses KernelLoader;
// coordinator tests substitute a fake that skips the real attach calls.
type Loader interface {
	Load(ifaceName string) (*Attached, error)
	Close(*Attached) error
}

// Attached holds every kernel object BuildIngress/BuildEgress produced once
// loaded and attached, so the coordinator has a single handle to pass to
// internal/maps and to tear down on shutdown.
type Attached struct {
	Ingress *ebpf.Program
	Egress  *ebpf.Program

	ListenMap    *ebpf.Map
	LPMMap       *ebpf.Map
	SNIMap       *ebpf.Map
	ConntrackMap *ebpf.Map
	RateLimitMap *ebpf.Map

	xdpLink link.Link
	tcxLink link.Link
}

// KernelLoader is the production Loader: it builds the map specs, assembles
// the instruction streams, loads everything as one collection (so map
// references resolve), and attaches ingress via XDP and egress via TCX —
// mirroring internal/loader.Load's load-then-attach-then-link sequence and
// its defer-Close-on-every-error-path discipline.
type KernelLoader struct{}

// NewKernelLoader requires CAP_BPF/CAP_NET_ADMIN (root in practice); it
// raises the memlock rlimit the same way internal/loader.Load does before
// any ebpf.NewMap/ebpf.NewProgram call.
func NewKernelLoader() (*KernelLoader, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("xdplb requires root privileges (CAP_BPF, CAP_NET_ADMIN)")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}
	return &KernelLoader{}, nil
}

func mapSpecs() map[string]*ebpf.MapSpec {
	return map[string]*ebpf.MapSpec{
		MapListen: {
			Name:       "xdplb_listen",
			Type:       ebpf.Hash,
			KeySize:    constants.ListenKeySize,
			ValueSize:  constants.RouteValueSize,
			MaxEntries: constants.DefaultListenMapEntries,
		},
		MapLPM: {
			Name:       "xdplb_lpm",
			Type:       ebpf.LPMTrie,
			KeySize:    constants.LpmKeySize,
			ValueSize:  constants.RouteValueSize,
			MaxEntries: constants.DefaultLpmMapEntries,
			Flags:      ebpf.BPF_F_NO_PREALLOC,
		},
		MapSNI: {
			Name:       "xdplb_sni",
			Type:       ebpf.Hash,
			KeySize:    constants.SniKeySize,
			ValueSize:  constants.RouteValueSize,
			MaxEntries: constants.DefaultSniMapEntries,
		},
		MapConntrack: {
			Name:       "xdplb_conntrack",
			Type:       ebpf.LRUHash,
			KeySize:    constants.ConntrackKeySize,
			ValueSize:  constants.ConntrackValueSize,
			MaxEntries: constants.DefaultConntrackMapEntries,
		},
		MapRateLimit: {
			Name:       "xdplb_ratelimit",
			Type:       ebpf.LRUHash,
			KeySize:    constants.RateLimitKeySize,
			ValueSize:  constants.RateLimitValueSize,
			MaxEntries: constants.DefaultLpmMapEntries,
		},
	}
}

// Load assembles the ingress/egress instruction streams, loads them plus
// every map into one collection, and attaches ingress via XDP and egress
// via TCX on ifaceName.
func (l *KernelLoader) Load(ifaceName string) (*Attached, error) {
	ingressInsns, err := BuildIngress()
	if err != nil {
		return nil, fmt.Errorf("assembling ingress program: %w", err)
	}
	egressInsns, err := BuildEgress()
	if err != nil {
		return nil, fmt.Errorf("assembling egress program: %w", err)
	}

	spec := &ebpf.CollectionSpec{
		Maps: mapSpecs(),
		Programs: map[string]*ebpf.ProgramSpec{
			"xdplb_ingress": {
				Type:         ebpf.XDP,
				Instructions: ingressInsns,
				License:      "GPL",
			},
			"xdplb_egress": {
				Type:         ebpf.SchedCLS,
				Instructions: egressInsns,
				License:      "GPL",
			},
		},
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading xdplb collection: %w", err)
	}

	att := &Attached{
		Ingress:      coll.Programs["xdplb_ingress"],
		Egress:       coll.Programs["xdplb_egress"],
		ListenMap:    coll.Maps[MapListen],
		LPMMap:       coll.Maps[MapLPM],
		SNIMap:       coll.Maps[MapSNI],
		ConntrackMap: coll.Maps[MapConntrack],
		RateLimitMap: coll.Maps[MapRateLimit],
	}

	iface, err := interfaceByName(ifaceName)
	if err != nil {
		att.closeAll()
		return nil, fmt.Errorf("resolving interface %s: %w", ifaceName, err)
	}

	att.xdpLink, err = link.AttachXDP(link.XDPOptions{
		Program:   att.Ingress,
		Interface: iface,
	})
	if err != nil {
		att.closeAll()
		return nil, fmt.Errorf("attaching XDP program to %s: %w", ifaceName, err)
	}

	att.tcxLink, err = link.AttachTCX(link.TCXOptions{
		Program:   att.Egress,
		Attach:    ebpf.AttachTCXEgress,
		Interface: iface,
	})
	if err != nil {
		att.closeAll()
		return nil, fmt.Errorf("attaching TCX egress program to %s: %w", ifaceName, err)
	}

	return att, nil
}

// Close detaches both programs and releases every map/program handle.
func (l *KernelLoader) Close(att *Attached) error {
	att.closeAll()
	return nil
}

func (a *Attached) closeAll() {
	if a.xdpLink != nil {
		a.xdpLink.Close()
	}
	if a.tcxLink != nil {
		a.tcxLink.Close()
	}
	for _, m := range []*ebpf.Map{a.ListenMap, a.LPMMap, a.SNIMap, a.ConntrackMap, a.RateLimitMap} {
		if m != nil {
			m.Close()
		}
	}
	if a.Ingress != nil {
		a.Ingress.Close()
	}
	if a.Egress != nil {
		a.Egress.Close()
	}
}
