package snapshot

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// PodSummary captures the pod fields shown in tables and detail panes.
type PodSummary struct {
	Name           string             `json:"name"`
	Namespace      string             `json:"namespace"`
	Status         string             `json:"status"`
	Phase          string             `json:"phase"`
	Ready          string             `json:"ready"`
	Restarts       int32              `json:"restarts"`
	Age            string             `json:"age"`
	IP             string             `json:"ip"`
	Node           string             `json:"node"`
	Labels         map[string]string  `json:"labels,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	Containers     []ContainerSummary `json:"containers"`
	CPURequest     int64              `json:"cpuRequest"`
	CPULimit       int64              `json:"cpuLimit"`
	MemoryRequest  int64              `json:"memoryRequest"`
	MemoryLimit    int64              `json:"memoryLimit"`
	OwnerKind      string             `json:"ownerKind,omitempty"`
	OwnerName      string             `json:"ownerName,omitempty"`
	QOSClass       string             `json:"qosClass,omitempty"`
	ServiceAccount string             `json:"serviceAccount,omitempty"`
	Conditions     []Condition        `json:"conditions,omitempty"`
}

// ContainerSummary describes one container of a pod.
type ContainerSummary struct {
	Name         string     `json:"name"`
	Image        string     `json:"image"`
	Init         bool       `json:"init,omitempty"`
	Ready        bool       `json:"ready"`
	RestartCount int32      `json:"restartCount"`
	State        string     `json:"state"`
	StateDetails string     `json:"stateDetails,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// Condition is a generic status condition.
type Condition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	LastTransitionTime time.Time `json:"lastTransitionTime,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// BuildPodSummary normalizes a pod.
func BuildPodSummary(pod *corev1.Pod) PodSummary {
	ready, total, restarts := podReadiness(pod)
	cpuReq, cpuLim, memReq, memLim := computeResourceTotals(pod)
	ownerKind, ownerName := resolvePodOwner(pod)

	ip := pod.Status.PodIP
	if ip == "" {
		ip = "-"
	}

	containers := make([]ContainerSummary, 0, len(pod.Spec.InitContainers)+len(pod.Spec.Containers))
	for _, c := range pod.Spec.InitContainers {
		containers = append(containers, buildContainerSummary(c, pod.Status.InitContainerStatuses, true))
	}
	for _, c := range pod.Spec.Containers {
		containers = append(containers, buildContainerSummary(c, pod.Status.ContainerStatuses, false))
	}

	conditions := make([]Condition, 0, len(pod.Status.Conditions))
	for _, cond := range pod.Status.Conditions {
		conditions = append(conditions, Condition{
			Type:               string(cond.Type),
			Status:             string(cond.Status),
			LastTransitionTime: cond.LastTransitionTime.Time,
			Reason:             cond.Reason,
			Message:            cond.Message,
		})
	}

	return PodSummary{
		Name:           pod.Name,
		Namespace:      pod.Namespace,
		Status:         derivePodStatus(pod),
		Phase:          string(pod.Status.Phase),
		Ready:          fmt.Sprintf("%d/%d", ready, total),
		Restarts:       restarts,
		Age:            formatAge(pod.CreationTimestamp.Time),
		IP:             ip,
		Node:           pod.Spec.NodeName,
		Labels:         copyStringMap(pod.Labels),
		CreatedAt:      pod.CreationTimestamp.Time,
		Containers:     containers,
		CPURequest:     cpuReq,
		CPULimit:       cpuLim,
		MemoryRequest:  memReq,
		MemoryLimit:    memLim,
		OwnerKind:      ownerKind,
		OwnerName:      ownerName,
		QOSClass:       string(pod.Status.QOSClass),
		ServiceAccount: pod.Spec.ServiceAccountName,
		Conditions:     conditions,
	}
}

// ContainerNames lists a pod's containers in init, regular, ephemeral order.
func ContainerNames(pod *corev1.Pod) []string {
	if pod == nil {
		return nil
	}
	names := make([]string, 0, len(pod.Spec.InitContainers)+len(pod.Spec.Containers)+len(pod.Spec.EphemeralContainers))
	for _, c := range pod.Spec.InitContainers {
		names = append(names, c.Name)
	}
	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}
	for _, c := range pod.Spec.EphemeralContainers {
		names = append(names, c.Name)
	}
	return names
}

func buildContainerSummary(c corev1.Container, statuses []corev1.ContainerStatus, init bool) ContainerSummary {
	summary := ContainerSummary{Name: c.Name, Image: c.Image, Init: init, State: "Unknown"}
	for _, cs := range statuses {
		if cs.Name != c.Name {
			continue
		}
		summary.Ready = cs.Ready
		summary.RestartCount = cs.RestartCount
		summary.State = containerState(cs.State)
		summary.StateDetails = containerStateDetails(cs.State)
		if cs.State.Running != nil {
			started := cs.State.Running.StartedAt.Time
			summary.StartedAt = &started
		}
		break
	}
	return summary
}

func podReadiness(pod *corev1.Pod) (ready int32, total int32, restarts int32) {
	for _, cs := range pod.Status.ContainerStatuses {
		total++
		if cs.Ready {
			ready++
		}
		restarts += cs.RestartCount
	}
	return ready, total, restarts
}

// derivePodStatus mirrors the STATUS column of kubectl get pods.
func derivePodStatus(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return "Terminating"
	}

	for _, cs := range pod.Status.InitContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return "Init:" + cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			reason := cs.State.Terminated.Reason
			if reason == "" {
				reason = "Error"
			}
			return "Init:" + reason
		}
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			if cs.State.Waiting.Reason != "" {
				return cs.State.Waiting.Reason
			}
			if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.ExitCode != 0 {
				return "CrashLoopBackOff"
			}
		}
		if cs.State.Terminated != nil && cs.State.Terminated.Reason != "" {
			return cs.State.Terminated.Reason
		}
	}

	ready, total, _ := podReadiness(pod)
	if total > 0 && ready < total {
		return string(pod.Status.Phase)
	}

	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return "Running"
		}
	}
	return string(pod.Status.Phase)
}

func containerState(state corev1.ContainerState) string {
	switch {
	case state.Running != nil:
		return "Running"
	case state.Waiting != nil:
		if state.Waiting.Reason != "" {
			return state.Waiting.Reason
		}
		return "Waiting"
	case state.Terminated != nil:
		if state.Terminated.Reason != "" {
			return state.Terminated.Reason
		}
		return "Terminated"
	}
	return "Unknown"
}

func containerStateDetails(state corev1.ContainerState) string {
	switch {
	case state.Running != nil:
		return fmt.Sprintf("Started at %s", state.Running.StartedAt.Time.Format(time.RFC3339))
	case state.Waiting != nil:
		if state.Waiting.Message != "" {
			return state.Waiting.Message
		}
		return state.Waiting.Reason
	case state.Terminated != nil:
		details := fmt.Sprintf("Exit code: %d", state.Terminated.ExitCode)
		if state.Terminated.Message != "" {
			details += ", " + state.Terminated.Message
		}
		return details
	}
	return ""
}

func resolvePodOwner(pod *corev1.Pod) (string, string) {
	for _, owner := range pod.OwnerReferences {
		if owner.Controller == nil || !*owner.Controller {
			continue
		}
		return owner.Kind, owner.Name
	}
	return "", ""
}

func computeResourceTotals(pod *corev1.Pod) (cpuReq, cpuLim, memReq, memLim int64) {
	for _, container := range pod.Spec.Containers {
		if cpu := container.Resources.Requests.Cpu(); cpu != nil {
			cpuReq += cpu.MilliValue()
		}
		if cpu := container.Resources.Limits.Cpu(); cpu != nil {
			cpuLim += cpu.MilliValue()
		}
		if mem := container.Resources.Requests.Memory(); mem != nil {
			memReq += mem.Value()
		}
		if mem := container.Resources.Limits.Memory(); mem != nil {
			memLim += mem.Value()
		}
	}
	return cpuReq, cpuLim, memReq, memLim
}
