package testsupport

import (
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	"k8s.io/utils/ptr"
)

// DeploymentOption mutates a deployment fixture.
type DeploymentOption func(*appsv1.Deployment)

// DeploymentFixture provides a basic deployment with sensible defaults for tests.
func DeploymentFixture(namespace, name string, opts ...DeploymentOption) *appsv1.Deployment {
	labels := map[string]string{"app": name}
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         namespace,
			UID:               types.UID("deploy-" + name),
			ResourceVersion:   "1",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-time.Hour)),
			Labels:            labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "app",
						Image: "nginx:latest",
					}},
				},
			},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType},
		},
		Status: appsv1.DeploymentStatus{
			Replicas:          1,
			ReadyReplicas:     1,
			AvailableReplicas: 1,
			UpdatedReplicas:   1,
		},
	}

	for _, opt := range opts {
		opt(deployment)
	}
	return deployment
}

// DeploymentWithReplicas customises the desired replica count.
func DeploymentWithReplicas(replicas int32) DeploymentOption {
	return func(d *appsv1.Deployment) {
		d.Spec.Replicas = ptr.To[int32](replicas)
	}
}

// PodOption mutates a pod fixture.
type PodOption func(*corev1.Pod)

// PodFixture provides a running pod with a single ready container.
func PodFixture(namespace, name string, opts ...PodOption) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         namespace,
			UID:               types.UID("pod-" + namespace + "-" + name),
			ResourceVersion:   "1",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-10 * time.Minute)),
			Labels:            map[string]string{"app": name},
		},
		Spec: corev1.PodSpec{
			NodeName: "worker-1",
			Containers: []corev1.Container{{
				Name:  "app",
				Image: "nginx:latest",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("100m"),
						corev1.ResourceMemory: resource.MustParse("128Mi"),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("200m"),
						corev1.ResourceMemory: resource.MustParse("256Mi"),
					},
				},
				Ports: []corev1.ContainerPort{{ContainerPort: 80}},
			}},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "10.0.0.10",
			Conditions: []corev1.PodCondition{{
				Type:   corev1.PodReady,
				Status: corev1.ConditionTrue,
			}},
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "app",
				Ready:        true,
				RestartCount: 0,
				State: corev1.ContainerState{
					Running: &corev1.ContainerStateRunning{StartedAt: metav1.NewTime(time.Now().Add(-9 * time.Minute))},
				},
			}},
		},
	}

	for _, opt := range opts {
		opt(pod)
	}
	return pod
}

// PodWithOwner sets a controller owner reference.
func PodWithOwner(kind, name string, controller bool) PodOption {
	return func(pod *corev1.Pod) {
		pod.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: "apps/v1",
			Kind:       kind,
			Name:       name,
			UID:        types.UID(name),
			Controller: ptr.To(controller),
		}}
	}
}

// PodWithResourceVersion overrides the pod resourceVersion.
func PodWithResourceVersion(rv string) PodOption {
	return func(pod *corev1.Pod) {
		pod.ResourceVersion = rv
	}
}

// PodWithPhase sets the pod phase and clears readiness when not running.
func PodWithPhase(phase corev1.PodPhase) PodOption {
	return func(pod *corev1.Pod) {
		pod.Status.Phase = phase
		if phase != corev1.PodRunning {
			pod.Status.Conditions = nil
			for i := range pod.Status.ContainerStatuses {
				pod.Status.ContainerStatuses[i].Ready = false
				pod.Status.ContainerStatuses[i].State = corev1.ContainerState{}
			}
		}
	}
}

// PodWithInitContainer prepends an init container to the pod spec.
func PodWithInitContainer(name string) PodOption {
	return func(pod *corev1.Pod) {
		pod.Spec.InitContainers = append(pod.Spec.InitContainers, corev1.Container{Name: name, Image: "busybox"})
	}
}

// NodeOption mutates a node fixture.
type NodeOption func(*corev1.Node)

// NodeFixture provides a ready worker node with 4 CPUs and 8Gi memory.
func NodeFixture(name string, opts ...NodeOption) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			UID:               types.UID("node-" + name),
			ResourceVersion:   "1",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-48 * time.Hour)),
			Labels:            map[string]string{"kubernetes.io/hostname": name},
		},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("8Gi"),
				corev1.ResourcePods:   resource.MustParse("110"),
			},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("3800m"),
				corev1.ResourceMemory: resource.MustParse("7Gi"),
				corev1.ResourcePods:   resource.MustParse("110"),
			},
			Conditions: []corev1.NodeCondition{{
				Type:   corev1.NodeReady,
				Status: corev1.ConditionTrue,
			}},
			Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "192.168.1.10"}},
			NodeInfo: corev1.NodeSystemInfo{
				KubeletVersion:          "v1.35.0",
				KernelVersion:           "6.8.0",
				ContainerRuntimeVersion: "containerd://2.0.0",
				OperatingSystem:         "linux",
				Architecture:            "amd64",
			},
		},
	}

	for _, opt := range opts {
		opt(node)
	}
	return node
}

// NodeWithRole adds a node-role label.
func NodeWithRole(role string) NodeOption {
	return func(node *corev1.Node) {
		node.Labels["node-role.kubernetes.io/"+role] = ""
	}
}

// NodeNotReady flips the Ready condition to False.
func NodeNotReady() NodeOption {
	return func(node *corev1.Node) {
		node.Status.Conditions = []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionFalse}}
	}
}

// ServiceFixture provides a ClusterIP service selecting app=name.
func ServiceFixture(namespace, name string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         namespace,
			UID:               types.UID("svc-" + name),
			ResourceVersion:   "1",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-time.Hour)),
		},
		Spec: corev1.ServiceSpec{
			Type:      corev1.ServiceTypeClusterIP,
			ClusterIP: "10.96.0.20",
			Selector:  map[string]string{"app": name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       80,
				TargetPort: intstr.FromInt32(8080),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// ConfigMapFixture provides a configmap with the supplied data.
func ConfigMapFixture(namespace, name string, data map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         namespace,
			UID:               types.UID("cm-" + name),
			ResourceVersion:   "1",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-time.Hour)),
		},
		Data: data,
	}
}

// EndpointsFixture provides endpoints backing a service with one ready pod address.
func EndpointsFixture(namespace, name, podName, ip string) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Subsets: []corev1.EndpointSubset{{
			Addresses: []corev1.EndpointAddress{{
				IP:        ip,
				NodeName:  ptr.To("worker-1"),
				TargetRef: &corev1.ObjectReference{Kind: "Pod", Name: podName, Namespace: namespace},
			}},
			Ports: []corev1.EndpointPort{{Name: "http", Port: 8080, Protocol: corev1.ProtocolTCP}},
		}},
	}
}

// EventFixture provides an event attached to the given object.
func EventFixture(namespace, name, kind, object, reason string, lastSeen time.Time) *corev1.Event {
	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		InvolvedObject: corev1.ObjectReference{
			Kind:      kind,
			Name:      object,
			Namespace: namespace,
		},
		Reason:         reason,
		Message:        reason + " " + object,
		Type:           corev1.EventTypeNormal,
		Count:          1,
		Source:         corev1.EventSource{Component: "kubelet"},
		FirstTimestamp: metav1.NewTime(lastSeen.Add(-time.Minute)),
		LastTimestamp:  metav1.NewTime(lastSeen),
	}
}

// ObjectSlice clones runtime objects to avoid shared references between tests.
func ObjectSlice(objects ...runtime.Object) []runtime.Object {
	out := make([]runtime.Object, len(objects))
	for i, obj := range objects {
		if obj == nil {
			continue
		}
		out[i] = obj.DeepCopyObject()
	}
	return out
}

// PodMetricsFixture produces a PodMetrics object with a single container.
func PodMetricsFixture(namespace, name string, cpuMilli, memoryBytes int64) *metricsv1beta1.PodMetrics {
	return &metricsv1beta1.PodMetrics{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
		Timestamp: metav1.NewTime(time.Now()),
		Window:    metav1.Duration{Duration: time.Minute},
		Containers: []metricsv1beta1.ContainerMetrics{{
			Name: "app",
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(memoryBytes, resource.BinarySI),
			},
		}},
	}
}

// NodeMetricsFixture produces a NodeMetrics object.
func NodeMetricsFixture(name string, cpuMilli, memoryBytes int64) *metricsv1beta1.NodeMetrics {
	return &metricsv1beta1.NodeMetrics{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Timestamp:  metav1.NewTime(time.Now()),
		Window:     metav1.Duration{Duration: time.Minute},
		Usage: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(memoryBytes, resource.BinarySI),
		},
	}
}
