// Package k8sdiscovery watches EndpointSlice objects for a configured
// Service and turns ready addresses into Target updates delivered to the
// coordinator, the way internal/metadata.K8sWatcher watches Pod objects and
// populates metadata.Cache. Supplements spec.md: the core only describes
// static target configuration; this is the operational reality of a
// Kubernetes-native load balancer.
package k8sdiscovery

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

// Target is one ready backend address discovered from an EndpointSlice.
type Target struct {
	IP   string
	Port uint16
}

// Watcher watches a single Service's EndpointSlices and republishes the
// full ready-address set on every change.
type Watcher struct {
	clientset *kubernetes.Clientset
	logger    *zap.Logger
}

// New builds a Watcher using in-cluster config when available, falling
// back to KUBECONFIG/~/.kube/config for development — identical fallback
// order to metadata.NewK8sWatcher.
func New(logger *zap.Logger) (*Watcher, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.ExpandEnv("$HOME/.kube/config")
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
		logger.Info("using kubeconfig for EndpointSlice discovery", zap.String("path", kubeconfig))
	} else {
		logger.Info("using in-cluster config for EndpointSlice discovery")
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &Watcher{clientset: clientset, logger: logger.Named("k8sdiscovery")}, nil
}

// Watch runs an EndpointSlice informer scoped to namespace/service and
// invokes onUpdate with the full ready-target set on every add/update/
// delete. Blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, namespace, service string, onUpdate func([]Target)) error {
	factory := informers.NewSharedInformerFactoryWithOptions(
		w.clientset,
		0,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = "kubernetes.io/service-name=" + service
		}),
	)

	informer := factory.Discovery().V1().EndpointSlices().Informer()
	lister := factory.Discovery().V1().EndpointSlices().Lister().EndpointSlices(namespace)

	publish := func() {
		slices, err := lister.List(labels.Everything())
		if err != nil {
			w.logger.Warn("listing endpointslices failed", zap.Error(err))
			return
		}
		onUpdate(readyTargets(slices))
	}

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(any) { publish() },
		UpdateFunc: func(any, any) { publish() },
		DeleteFunc: func(any) { publish() },
	})

	w.logger.Info("starting EndpointSlice watcher", zap.String("namespace", namespace), zap.String("service", service))

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return fmt.Errorf("failed to sync endpointslice informer for %s/%s", namespace, service)
	}
	w.logger.Info("EndpointSlice cache synced", zap.String("namespace", namespace), zap.String("service", service))

	<-ctx.Done()
	return ctx.Err()
}

func readyTargets(slices []*discoveryv1.EndpointSlice) []Target {
	var targets []Target
	for _, slice := range slices {
		for _, port := range slice.Ports {
			if port.Port == nil {
				continue
			}
			for _, ep := range slice.Endpoints {
				if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
					continue
				}
				for _, addr := range ep.Addresses {
					targets = append(targets, Target{IP: addr, Port: uint16(*port.Port)})
				}
			}
		}
	}
	return targets
}
