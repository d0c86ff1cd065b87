package logstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	kubescheme "k8s.io/client-go/kubernetes/scheme"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	restclient "k8s.io/client-go/rest"
	fakerest "k8s.io/client-go/rest/fake"
)

func createPod(t *testing.T, client *fake.Clientset, namespace, name string, phase corev1.PodPhase, containers ...string) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status:     corev1.PodStatus{Phase: phase},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	_, err := client.CoreV1().Pods(namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)
}

// buildLogStream constructs a mock log stream for the supplied messages.
func buildLogStream(origin time.Time, offsets []time.Duration, messages []string) string {
	var builder strings.Builder
	for i := range messages {
		ts := origin.Add(offsets[i]).Format(time.RFC3339Nano)
		builder.WriteString(fmt.Sprintf("%s %s\n", ts, messages[i]))
	}
	return builder.String()
}

type stubClient struct {
	*fake.Clientset
	core corev1client.CoreV1Interface
}

func (s *stubClient) CoreV1() corev1client.CoreV1Interface {
	return s.core
}

type logCore struct {
	corev1client.CoreV1Interface
	pods *logPods
}

func (l *logCore) Pods(namespace string) corev1client.PodInterface {
	l.pods.PodInterface = l.CoreV1Interface.Pods(namespace)
	l.pods.namespace = namespace
	return l.pods
}

type logResponse struct {
	body   string
	status int
	// block keeps the stream open until the request context ends.
	block bool
}

type logPods struct {
	corev1client.PodInterface
	namespace string

	mu        sync.Mutex
	responses []logResponse
	options   []corev1.PodLogOptions
}

// newLogClient wraps a fake clientset so GetLogs serves the scripted responses in order.
func newLogClient(base *fake.Clientset, responses ...logResponse) (*stubClient, *logPods) {
	pods := &logPods{responses: append([]logResponse(nil), responses...)}
	return &stubClient{Clientset: base, core: &logCore{CoreV1Interface: base.CoreV1(), pods: pods}}, pods
}

func (p *logPods) recorded() []corev1.PodLogOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]corev1.PodLogOptions(nil), p.options...)
}

func (p *logPods) GetLogs(name string, opts *corev1.PodLogOptions) *restclient.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts != nil {
		p.options = append(p.options, *opts.DeepCopy())
	}
	resp := logResponse{status: http.StatusOK}
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	}
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}

	fakeClient := &fakerest.RESTClient{
		GroupVersion:         corev1.SchemeGroupVersion,
		NegotiatedSerializer: kubescheme.Codecs.WithoutConversion(),
		VersionedAPIPath:     "/api/v1",
		Client: fakerest.CreateHTTPClient(func(req *http.Request) (*http.Response, error) {
			var body io.Reader = strings.NewReader(resp.body)
			if resp.block {
				body = io.MultiReader(body, &blockingReader{ctx: req.Context()})
			}
			return &http.Response{
				StatusCode: status,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       io.NopCloser(body),
			}, nil
		}),
	}

	req := fakeClient.Get().
		Resource("pods").
		Namespace(p.namespace).
		Name(name).
		SubResource("log")
	if opts != nil {
		req.VersionedParams(opts, kubescheme.ParameterCodec)
	}
	return req
}

type blockingReader struct {
	ctx context.Context
}

func (b *blockingReader) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}
