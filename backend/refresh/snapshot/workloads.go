package snapshot

import (
	"time"

	appsv1 "k8s.io/api/apps/v1"
)

// DeploymentSummary captures deployment rollout state.
type DeploymentSummary struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Replicas          int32             `json:"replicas"`
	ReadyReplicas     int32             `json:"readyReplicas"`
	UpdatedReplicas   int32             `json:"updatedReplicas"`
	AvailableReplicas int32             `json:"availableReplicas"`
	Strategy          string            `json:"strategy"`
	MaxSurge          string            `json:"maxSurge,omitempty"`
	MaxUnavailable    string            `json:"maxUnavailable,omitempty"`
	Selector          map[string]string `json:"selector"`
	Labels            map[string]string `json:"labels,omitempty"`
	Images            []string          `json:"images,omitempty"`
	Conditions        []Condition       `json:"conditions,omitempty"`
	Age               string            `json:"age"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// BuildDeploymentSummary normalizes a deployment.
func BuildDeploymentSummary(deployment *appsv1.Deployment) DeploymentSummary {
	var replicas int32
	if deployment.Spec.Replicas != nil {
		replicas = *deployment.Spec.Replicas
	}

	strategy := string(deployment.Spec.Strategy.Type)
	if strategy == "" {
		strategy = string(appsv1.RollingUpdateDeploymentStrategyType)
	}

	summary := DeploymentSummary{
		Name:              deployment.Name,
		Namespace:         deployment.Namespace,
		Replicas:          replicas,
		ReadyReplicas:     deployment.Status.ReadyReplicas,
		UpdatedReplicas:   deployment.Status.UpdatedReplicas,
		AvailableReplicas: deployment.Status.AvailableReplicas,
		Strategy:          strategy,
		Labels:            copyStringMap(deployment.Labels),
		Age:               formatAge(deployment.CreationTimestamp.Time),
		CreatedAt:         deployment.CreationTimestamp.Time,
	}
	if deployment.Spec.Selector != nil {
		summary.Selector = copyStringMap(deployment.Spec.Selector.MatchLabels)
	}
	if ru := deployment.Spec.Strategy.RollingUpdate; ru != nil {
		if ru.MaxSurge != nil {
			summary.MaxSurge = ru.MaxSurge.String()
		}
		if ru.MaxUnavailable != nil {
			summary.MaxUnavailable = ru.MaxUnavailable.String()
		}
	}
	for _, c := range deployment.Spec.Template.Spec.Containers {
		summary.Images = append(summary.Images, c.Image)
	}
	for _, cond := range deployment.Status.Conditions {
		summary.Conditions = append(summary.Conditions, Condition{
			Type:               string(cond.Type),
			Status:             string(cond.Status),
			LastTransitionTime: cond.LastTransitionTime.Time,
			Reason:             cond.Reason,
			Message:            cond.Message,
		})
	}
	return summary
}
