package k8s

import (
	"context"
	"fmt"
	"path/filepath"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metrics "k8s.io/metrics/pkg/client/clientset/versioned"
)

type Client struct {
	kube    kubernetes.Interface
	metrics metrics.Interface
}

type PodUsage struct {
	CPUMillicores int64
	MemoryBytes   int64
}

func NewClient(config *rest.Config) (*Client, error) {
	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}
	metricsClient, err := metrics.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create metrics clientset: %w", err)
	}
	return NewClientWithClients(kube, metricsClient), nil
}

func NewClientWithClients(kube kubernetes.Interface, metricsClient metrics.Interface) *Client {
	return &Client{kube: kube, metrics: metricsClient}
}

func (c *Client) PodsForDeployment(ctx context.Context, namespace string, deployment string) ([]v1.Pod, error) {
	d, err := c.kube.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s/%s: %w", namespace, deployment, err)
	}
	if d.Spec.Selector == nil {
		return nil, fmt.Errorf("deployment %s/%s has no selector", namespace, deployment)
	}
	selector, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("parse selector of deployment %s/%s: %w", namespace, deployment, err)
	}
	return c.runningPods(ctx, namespace, selector.String())
}

func (c *Client) PodsForService(ctx context.Context, namespace string, service string) ([]v1.Pod, error) {
	svc, err := c.kube.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get service %s/%s: %w", namespace, service, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return nil, nil
	}
	return c.runningPods(ctx, namespace, labels.SelectorFromSet(svc.Spec.Selector).String())
}

func (c *Client) runningPods(ctx context.Context, namespace string, selector string) ([]v1.Pod, error) {
	pods, err := c.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	running := make([]v1.Pod, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase == v1.PodRunning {
			running = append(running, pod)
		}
	}
	return running, nil
}

// ServiceTargetURL builds the cluster DNS URL of a service port.
func (c *Client) ServiceTargetURL(ctx context.Context, namespace string, service string, portName string, scheme string) (string, error) {
	svc, err := c.kube.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s/%s: %w", namespace, service, err)
	}
	if len(svc.Spec.Ports) == 0 {
		return "", fmt.Errorf("service %s/%s exposes no ports", namespace, service)
	}
	port := svc.Spec.Ports[0].Port
	if portName != "" {
		found := false
		for _, p := range svc.Spec.Ports {
			if p.Name == portName {
				port = p.Port
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("service %s/%s has no port named %q", namespace, service, portName)
		}
	}
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s.%s.svc:%d", scheme, service, namespace, port), nil
}

func (c *Client) PodResourceUsage(ctx context.Context, namespace string, podNames []string) (map[string]PodUsage, error) {
	usage := make(map[string]PodUsage, len(podNames))
	for _, name := range podNames {
		podMetrics, err := c.metrics.MetricsV1beta1().PodMetricses(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("get metrics for pod %s/%s: %w", namespace, name, err)
		}
		var total PodUsage
		for _, container := range podMetrics.Containers {
			if cpu, ok := container.Usage[v1.ResourceCPU]; ok {
				total.CPUMillicores += cpu.MilliValue()
			}
			if memory, ok := container.Usage[v1.ResourceMemory]; ok {
				total.MemoryBytes += memory.Value()
			}
		}
		usage[name] = total
	}
	return usage, nil
}

func InitInCluster() (*rest.Config, error) {
	return rest.InClusterConfig()
}

func InitOffCluster(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}
