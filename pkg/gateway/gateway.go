// Package gateway manages the two revisions of the edge Gateway object: the
// initial HTTP-only revision and the later HTTP+HTTPS revision that
// terminates TLS with the issued certificate.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	gwapiv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/mattermost/gateway-provisioner/pkg/resources"
	"github.com/mattermost/gateway-provisioner/pkg/retry"
)

const (
	httpListenerName  = "http"
	httpsListenerName = "https"
)

// Spec identifies the gateway to manage and the hostname its listeners serve.
type Spec struct {
	Name      string
	Namespace string
	ClassName string
	Domain    string
}

// State is a snapshot of the gateway as last observed in the cluster.
type State struct {
	Name         string
	Namespace    string
	Addresses    []string
	HTTPSEnabled bool
	Programmed   bool
}

// PreconditionError indicates an operation was invoked out of order, e.g.
// adding an HTTPS listener before the TLS secret exists. It marks a
// sequencing defect and is never swallowed.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition for %s not met: %s", e.Op, e.Reason)
}

// Controller applies gateway manifests and waits on the Programmed condition.
type Controller struct {
	resources    *resources.ResourceHelper
	logger       logr.Logger
	pollInterval time.Duration
	maxAttempts  int
}

func NewController(helper *resources.ResourceHelper, logger logr.Logger, pollInterval time.Duration, maxAttempts int) *Controller {
	return &Controller{
		resources:    helper,
		logger:       logger.WithName("gateway"),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// EnsureHTTPOnly applies the HTTP-only gateway revision. An existing gateway
// with the same name is left untouched, whatever its listeners look like, so
// a re-run never regresses a working HTTPS gateway.
func (c *Controller) EnsureHTTPOnly(ctx context.Context, spec Spec) (State, error) {
	desired := c.generateGateway(spec, "")

	created, err := c.resources.CreateGatewayIfNotExists(ctx, desired, c.logger)
	if err != nil {
		return State{}, errors.Wrap(err, "failed to ensure http gateway")
	}
	if !created {
		c.logger.Info("Gateway already exists, leaving it untouched", "name", spec.Name)
	}

	current, err := c.resources.GetGateway(ctx, spec.Name, spec.Namespace)
	if err != nil {
		return State{}, errors.Wrap(err, "failed to read back gateway")
	}

	return stateFrom(current), nil
}

// AddHTTPSListener applies the full gateway manifest with both the HTTP
// listener and an HTTPS listener terminating TLS with certificateSecret.
// The secret must already exist; calling this earlier is a sequencing defect
// and fails with a PreconditionError rather than letting the cluster mark the
// whole gateway not-programmed with no hint at the real cause.
func (c *Controller) AddHTTPSListener(ctx context.Context, spec Spec, certificateSecret string) (State, error) {
	exists, err := c.resources.SecretExists(ctx, certificateSecret, spec.Namespace)
	if err != nil {
		return State{}, errors.Wrap(err, "failed to check TLS secret")
	}
	if !exists {
		return State{}, &PreconditionError{
			Op:     "AddHTTPSListener",
			Reason: fmt.Sprintf("TLS secret %s/%s does not exist", spec.Namespace, certificateSecret),
		}
	}

	current, err := c.resources.GetGateway(ctx, spec.Name, spec.Namespace)
	if err != nil {
		return State{}, &PreconditionError{
			Op:     "AddHTTPSListener",
			Reason: fmt.Sprintf("gateway %s/%s could not be fetched: %v", spec.Namespace, spec.Name, err),
		}
	}

	desired := c.generateGateway(spec, certificateSecret)
	err = c.resources.Update(ctx, current, desired, c.logger)
	if err != nil {
		return State{}, errors.Wrap(err, "failed to apply https gateway revision")
	}

	updated, err := c.resources.GetGateway(ctx, spec.Name, spec.Namespace)
	if err != nil {
		return State{}, errors.Wrap(err, "failed to read back gateway")
	}

	return stateFrom(updated), nil
}

// WaitProgrammed polls the Programmed condition until the gateway reports an
// address or the attempt budget runs out. Each attempt logs the observed
// condition so an operator watching a stall can see what the cluster reports.
func (c *Controller) WaitProgrammed(ctx context.Context, name, namespace string) (string, error) {
	var address string

	err := retry.Until(ctx, c.pollInterval, c.maxAttempts, func(ctx context.Context) (bool, error) {
		gateway, err := c.resources.GetGateway(ctx, name, namespace)
		if err != nil {
			return false, errors.Wrap(err, "failed to get gateway")
		}

		condition := meta.FindStatusCondition(gateway.Status.Conditions, string(gwapiv1.GatewayConditionProgrammed))
		if condition == nil {
			c.logger.Info("Gateway has no Programmed condition yet", "name", name)
			return false, nil
		}
		c.logger.Info("Observed gateway condition", "name", name, "status", condition.Status, "reason", condition.Reason)

		if condition.Status != metav1.ConditionTrue {
			return false, nil
		}
		if len(gateway.Status.Addresses) == 0 {
			c.logger.Info("Gateway programmed but no address assigned yet", "name", name)
			return false, nil
		}

		address = gateway.Status.Addresses[0].Value
		return true, nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "gateway %s/%s did not become programmed", namespace, name)
	}

	c.logger.Info("Gateway is programmed", "name", name, "address", address)
	return address, nil
}

// EnsureAppRoute attaches the application routes to the gateway: the chat
// traffic route on the HTTPS listener and an HTTP to HTTPS redirect on the
// HTTP listener. Both are created only if absent.
func (c *Controller) EnsureAppRoute(ctx context.Context, spec Spec, serviceName string, servicePort int32) error {
	appRoute := c.generateAppRoute(spec, serviceName, servicePort)
	err := c.resources.CreateHTTPRouteIfNotExists(ctx, appRoute, c.logger)
	if err != nil {
		return errors.Wrap(err, "failed to ensure application route")
	}

	redirectRoute := c.generateRedirectRoute(spec)
	err = c.resources.CreateHTTPRouteIfNotExists(ctx, redirectRoute, c.logger)
	if err != nil {
		return errors.Wrap(err, "failed to ensure redirect route")
	}

	return nil
}

func (c *Controller) generateGateway(spec Spec, certificateSecret string) *gwapiv1.Gateway {
	hostname := gwapiv1.Hostname(spec.Domain)

	listeners := []gwapiv1.Listener{
		{
			Name:     httpListenerName,
			Hostname: &hostname,
			Port:     80,
			Protocol: gwapiv1.HTTPProtocolType,
		},
	}

	if certificateSecret != "" {
		listeners = append(listeners, gwapiv1.Listener{
			Name:     httpsListenerName,
			Hostname: &hostname,
			Port:     443,
			Protocol: gwapiv1.HTTPSProtocolType,
			TLS: &gwapiv1.GatewayTLSConfig{
				Mode: ptr.To(gwapiv1.TLSModeTerminate),
				CertificateRefs: []gwapiv1.SecretObjectReference{
					{Name: gwapiv1.ObjectName(certificateSecret)},
				},
			},
		})
	}

	return &gwapiv1.Gateway{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    provisionerLabels(spec),
		},
		Spec: gwapiv1.GatewaySpec{
			GatewayClassName: gwapiv1.ObjectName(spec.ClassName),
			Listeners:        listeners,
		},
	}
}

func (c *Controller) generateAppRoute(spec Spec, serviceName string, servicePort int32) *gwapiv1.HTTPRoute {
	return &gwapiv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-app", spec.Name),
			Namespace: spec.Namespace,
			Labels:    provisionerLabels(spec),
		},
		Spec: gwapiv1.HTTPRouteSpec{
			CommonRouteSpec: gwapiv1.CommonRouteSpec{
				ParentRefs: []gwapiv1.ParentReference{
					{
						Name:        gwapiv1.ObjectName(spec.Name),
						SectionName: ptr.To(gwapiv1.SectionName(httpsListenerName)),
					},
				},
			},
			Hostnames: []gwapiv1.Hostname{gwapiv1.Hostname(spec.Domain)},
			Rules: []gwapiv1.HTTPRouteRule{
				{
					BackendRefs: []gwapiv1.HTTPBackendRef{
						{
							BackendRef: gwapiv1.BackendRef{
								BackendObjectReference: gwapiv1.BackendObjectReference{
									Name: gwapiv1.ObjectName(serviceName),
									Port: ptr.To(gwapiv1.PortNumber(servicePort)),
								},
							},
						},
					},
				},
			},
		},
	}
}

func (c *Controller) generateRedirectRoute(spec Spec) *gwapiv1.HTTPRoute {
	return &gwapiv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-redirect", spec.Name),
			Namespace: spec.Namespace,
			Labels:    provisionerLabels(spec),
		},
		Spec: gwapiv1.HTTPRouteSpec{
			CommonRouteSpec: gwapiv1.CommonRouteSpec{
				ParentRefs: []gwapiv1.ParentReference{
					{
						Name:        gwapiv1.ObjectName(spec.Name),
						SectionName: ptr.To(gwapiv1.SectionName(httpListenerName)),
					},
				},
			},
			Hostnames: []gwapiv1.Hostname{gwapiv1.Hostname(spec.Domain)},
			Rules: []gwapiv1.HTTPRouteRule{
				{
					Filters: []gwapiv1.HTTPRouteFilter{
						{
							Type: gwapiv1.HTTPRouteFilterRequestRedirect,
							RequestRedirect: &gwapiv1.HTTPRequestRedirectFilter{
								Scheme:     ptr.To("https"),
								StatusCode: ptr.To(301),
							},
						},
					},
				},
			},
		},
	}
}

func provisionerLabels(spec Spec) map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by": "gateway-provisioner",
		"app.kubernetes.io/instance":   spec.Name,
	}
}

func stateFrom(gateway *gwapiv1.Gateway) State {
	state := State{
		Name:       gateway.Name,
		Namespace:  gateway.Namespace,
		Programmed: meta.IsStatusConditionTrue(gateway.Status.Conditions, string(gwapiv1.GatewayConditionProgrammed)),
	}

	for _, address := range gateway.Status.Addresses {
		state.Addresses = append(state.Addresses, address.Value)
	}
	for _, listener := range gateway.Spec.Listeners {
		if listener.Protocol == gwapiv1.HTTPSProtocolType {
			state.HTTPSEnabled = true
		}
	}

	return state
}
