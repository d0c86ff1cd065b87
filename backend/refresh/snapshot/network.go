package snapshot

import (
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ServiceSummary captures service addressing.
type ServiceSummary struct {
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	Type            string            `json:"type"`
	ClusterIP       string            `json:"clusterIP"`
	ExternalIP      string            `json:"externalIP"`
	Ports           []ServicePort     `json:"ports"`
	Selector        map[string]string `json:"selector"`
	SessionAffinity string            `json:"sessionAffinity,omitempty"`
	ExternalName    string            `json:"externalName,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Age             string            `json:"age"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// ServicePort represents one service port mapping.
type ServicePort struct {
	Name       string `json:"name"`
	Port       int32  `json:"port"`
	TargetPort string `json:"targetPort"`
	NodePort   int32  `json:"nodePort,omitempty"`
	Protocol   string `json:"protocol"`
}

// EndpointSummary groups the addresses behind one endpoint subset.
type EndpointSummary struct {
	Addresses []EndpointAddress `json:"addresses"`
	Ports     []EndpointPort    `json:"ports"`
	NotReady  []EndpointAddress `json:"notReadyAddresses,omitempty"`
}

// EndpointAddress is one backend address.
type EndpointAddress struct {
	IP        string `json:"ip"`
	Hostname  string `json:"hostname,omitempty"`
	NodeName  string `json:"nodeName,omitempty"`
	TargetRef string `json:"targetRef,omitempty"`
}

// EndpointPort is one backend port.
type EndpointPort struct {
	Name     string `json:"name,omitempty"`
	Port     int32  `json:"port"`
	Protocol string `json:"protocol"`
}

// BuildServiceSummary normalizes a service.
func BuildServiceSummary(svc *corev1.Service) ServiceSummary {
	clusterIP := svc.Spec.ClusterIP
	if clusterIP == "" {
		clusterIP = "-"
	}

	ports := make([]ServicePort, 0, len(svc.Spec.Ports))
	for _, p := range svc.Spec.Ports {
		ports = append(ports, ServicePort{
			Name:       p.Name,
			Port:       p.Port,
			TargetPort: p.TargetPort.String(),
			NodePort:   p.NodePort,
			Protocol:   string(p.Protocol),
		})
	}

	return ServiceSummary{
		Name:            svc.Name,
		Namespace:       svc.Namespace,
		Type:            string(svc.Spec.Type),
		ClusterIP:       clusterIP,
		ExternalIP:      serviceExternalIP(svc),
		Ports:           ports,
		Selector:        copyStringMap(svc.Spec.Selector),
		SessionAffinity: string(svc.Spec.SessionAffinity),
		ExternalName:    svc.Spec.ExternalName,
		Labels:          copyStringMap(svc.Labels),
		Age:             formatAge(svc.CreationTimestamp.Time),
		CreatedAt:       svc.CreationTimestamp.Time,
	}
}

func serviceExternalIP(svc *corev1.Service) string {
	if len(svc.Spec.ExternalIPs) > 0 {
		return strings.Join(svc.Spec.ExternalIPs, ",")
	}
	for _, ingress := range svc.Status.LoadBalancer.Ingress {
		if ingress.IP != "" {
			return ingress.IP
		}
		if ingress.Hostname != "" {
			return ingress.Hostname
		}
	}
	return "-"
}

// BuildEndpointSummaries flattens the subsets of an Endpoints object.
func BuildEndpointSummaries(endpoints *corev1.Endpoints) []EndpointSummary {
	if endpoints == nil {
		return []EndpointSummary{}
	}
	result := make([]EndpointSummary, 0, len(endpoints.Subsets))
	for _, subset := range endpoints.Subsets {
		summary := EndpointSummary{
			Addresses: convertEndpointAddresses(subset.Addresses),
			Ports:     make([]EndpointPort, 0, len(subset.Ports)),
		}
		if len(subset.NotReadyAddresses) > 0 {
			summary.NotReady = convertEndpointAddresses(subset.NotReadyAddresses)
		}
		for _, p := range subset.Ports {
			summary.Ports = append(summary.Ports, EndpointPort{
				Name:     p.Name,
				Port:     p.Port,
				Protocol: string(p.Protocol),
			})
		}
		result = append(result, summary)
	}
	return result
}

func convertEndpointAddresses(addresses []corev1.EndpointAddress) []EndpointAddress {
	out := make([]EndpointAddress, 0, len(addresses))
	for _, addr := range addresses {
		converted := EndpointAddress{IP: addr.IP, Hostname: addr.Hostname}
		if addr.NodeName != nil {
			converted.NodeName = *addr.NodeName
		}
		if addr.TargetRef != nil {
			converted.TargetRef = fmt.Sprintf("%s/%s", addr.TargetRef.Kind, addr.TargetRef.Name)
		}
		out = append(out, converted)
	}
	return out
}
