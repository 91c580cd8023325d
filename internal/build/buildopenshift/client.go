// Package buildopenshift builds images with OpenShift binary builds.
package buildopenshift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config holds OpenShift settings.
type Config struct {
	Kubeconfig   string        `env:"KUBECONFIG"`                    // in-cluster config when empty
	Namespace    string        `env:"NAMESPACE"`                     // required with the openshift backend
	PushSecret   string        `env:"PUSH_SECRET"`                   // optional
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"` // optional
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"30m"`      // optional
}

var (
	groupVersion = schema.GroupVersion{Group: "build.openshift.io", Version: "v1"}

	buildConfigResource = groupVersion.WithResource("buildconfigs")
	buildResource       = groupVersion.WithResource("builds")
)

type Phase string

const (
	PhaseNew       Phase = "New"
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseComplete  Phase = "Complete"
	PhaseFailed    Phase = "Failed"
	PhaseError     Phase = "Error"
	PhaseCancelled Phase = "Cancelled"
)

// Done reports whether a build in phase p will not change anymore.
func (p Phase) Done() bool {
	switch p {
	case PhaseComplete, PhaseFailed, PhaseError, PhaseCancelled:
		return true
	default:
		return false
	}
}

type BuildStatus struct {
	Phase   Phase
	Reason  string
	Message string
}

type ServiceApplyBuildConfigParams struct {
	Name           string // required
	ImageRef       string // required
	DockerfilePath string // required, relative to the build context
	PushSecret     string // optional
}

// Service is the part of the OpenShift build API BuildImage uses.
type Service interface {
	ApplyBuildConfig(ctx context.Context, params *ServiceApplyBuildConfigParams) error
	InstantiateBinary(ctx context.Context, buildConfig string, archive io.Reader) (build string, err error)
	GetBuildStatus(ctx context.Context, build string) (*BuildStatus, error)
	CancelBuild(ctx context.Context, build string) error
	DeleteBuildConfig(ctx context.Context, buildConfig string) error
}

var _ Service = (*Client)(nil)

type Client struct {
	dynamic   dynamic.Interface
	rest      rest.Interface
	namespace string
}

// NewClient creates a Client from the kubeconfig in cfg,
// or from the in-cluster config when cfg.Kubeconfig is empty.
func NewClient(cfg *Config) (*Client, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("buildopenshift.NewClient: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("buildopenshift.NewClient: %w", err)
	}

	restClient, err := newRESTClient(restConfig)
	if err != nil {
		return nil, fmt.Errorf("buildopenshift.NewClient: %w", err)
	}

	return newClient(dynamicClient, restClient, cfg.Namespace), nil
}

func newClient(dynamicClient dynamic.Interface, restClient rest.Interface, namespace string) *Client {
	return &Client{
		dynamic:   dynamicClient,
		rest:      restClient,
		namespace: namespace,
	}
}

// newRESTClient creates a client for build.openshift.io/v1 that only
// deals with raw bodies, so no OpenShift types need to be registered.
func newRESTClient(restConfig *rest.Config) (*rest.RESTClient, error) {
	c := rest.CopyConfig(restConfig)
	c.GroupVersion = &groupVersion
	c.APIPath = "/apis"
	c.NegotiatedSerializer = serializer.NewCodecFactory(runtime.NewScheme()).WithoutConversion()
	if c.UserAgent == "" {
		c.UserAgent = rest.DefaultKubernetesUserAgent()
	}
	return rest.RESTClientFor(c)
}

// ApplyBuildConfig implements Service.
// It creates a Docker strategy build config with binary input.
func (c *Client) ApplyBuildConfig(ctx context.Context, params *ServiceApplyBuildConfigParams) error {
	output := map[string]any{
		"to": map[string]any{
			"kind": "DockerImage",
			"name": params.ImageRef,
		},
	}
	if params.PushSecret != "" {
		output["pushSecret"] = map[string]any{"name": params.PushSecret}
	}

	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": groupVersion.String(),
		"kind":       "BuildConfig",
		"metadata": map[string]any{
			"name": params.Name,
			"labels": map[string]any{
				"app.kubernetes.io/managed-by": "kiln",
			},
		},
		"spec": map[string]any{
			"runPolicy": "Serial",
			"source": map[string]any{
				"type":   "Binary",
				"binary": map[string]any{},
			},
			"strategy": map[string]any{
				"type": "Docker",
				"dockerStrategy": map[string]any{
					"dockerfilePath": params.DockerfilePath,
				},
			},
			"output": output,
		},
	}}

	_, err := c.dynamic.Resource(buildConfigResource).Namespace(c.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("apply build config: %w", err)
	}
	return nil
}

// InstantiateBinary implements Service.
// It starts a build of buildConfig from archive and returns the build name.
func (c *Client) InstantiateBinary(ctx context.Context, buildConfig string, archive io.Reader) (string, error) {
	raw, err := c.rest.Post().
		Namespace(c.namespace).
		Resource(buildConfigResource.Resource).
		Name(buildConfig).
		SubResource("instantiatebinary").
		SetHeader("Content-Type", "application/octet-stream").
		Body(archive).
		Do(ctx).
		Raw()
	if err != nil {
		return "", fmt.Errorf("instantiate binary: %w", err)
	}

	var b struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err = json.Unmarshal(raw, &b); err != nil {
		return "", fmt.Errorf("instantiate binary: %w", err)
	}
	if b.Metadata.Name == "" {
		return "", errors.New("instantiate binary: missing build name")
	}
	return b.Metadata.Name, nil
}

// GetBuildStatus implements Service.
func (c *Client) GetBuildStatus(ctx context.Context, build string) (*BuildStatus, error) {
	obj, err := c.dynamic.Resource(buildResource).Namespace(c.namespace).Get(ctx, build, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get build status: %w", err)
	}

	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	reason, _, _ := unstructured.NestedString(obj.Object, "status", "reason")
	message, _, _ := unstructured.NestedString(obj.Object, "status", "message")
	return &BuildStatus{
		Phase:   Phase(phase),
		Reason:  reason,
		Message: message,
	}, nil
}

// CancelBuild implements Service.
// Builds that are gone or already done are left alone.
func (c *Client) CancelBuild(ctx context.Context, build string) error {
	status, err := c.GetBuildStatus(ctx, build)
	if apierrors.IsNotFound(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("cancel build: %w", err)
	}
	if status.Phase.Done() {
		return nil
	}

	patch := []byte(`{"status":{"cancelled":true}}`)
	_, err = c.dynamic.Resource(buildResource).Namespace(c.namespace).Patch(ctx, build, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("cancel build: %w", err)
	}
	return nil
}

// DeleteBuildConfig implements Service.
// Builds of the build config are deleted with it.
func (c *Client) DeleteBuildConfig(ctx context.Context, buildConfig string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.dynamic.Resource(buildConfigResource).Namespace(c.namespace).Delete(ctx, buildConfig, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete build config: %w", err)
	}
	return nil
}
