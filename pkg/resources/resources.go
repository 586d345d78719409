package resources

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pkg/errors"

	objectMatcher "github.com/banzaicloud/k8s-objectmatcher/patch"
	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	gwapiv1 "sigs.k8s.io/gateway-api/apis/v1"
)

const lastAppliedConfig = "provisioner.mattermost.com/last-applied"

var defaultAnnotator = objectMatcher.NewAnnotator(lastAppliedConfig)

// Object combines the interfaces that all Kubernetes objects must implement.
type Object interface {
	runtime.Object
	v1.Object
}

// ResourceHelper provides helper methods to create, update, fetch and delete
// the edge resources the provisioner manages.
type ResourceHelper struct {
	client client.Client
}

func NewResourceHelper(client client.Client) *ResourceHelper {
	return &ResourceHelper{
		client: client,
	}
}

// Create creates the provided resource with the last-applied annotation set,
// so later updates can be computed as patches.
// see: https://github.com/banzaicloud/k8s-objectmatcher
func (r *ResourceHelper) Create(ctx context.Context, desired Object, reqLogger logr.Logger) error {
	err := defaultAnnotator.SetLastAppliedAnnotation(desired)
	if err != nil {
		return errors.Wrap(err, "failed to apply annotation to the resource")
	}

	return r.client.Create(ctx, desired)
}

// Update applies the full desired manifest over the current one. The patch is
// computed from the last-applied annotation, so fields this tool never set
// are left alone.
func (r *ResourceHelper) Update(ctx context.Context, current, desired Object, reqLogger logr.Logger) error {
	patchResult, err := objectMatcher.NewPatchMaker(
		defaultAnnotator,
		&objectMatcher.K8sStrategicMergePatcher{},
		&objectMatcher.BaseJSONMergePatcher{},
	).Calculate(current, desired)
	if err != nil {
		return errors.Wrap(err, "failed to determine if resources differ")
	}
	if !patchResult.IsEmpty() {
		if err := defaultAnnotator.SetLastAppliedAnnotation(desired); err != nil {
			return errors.Wrap(err, "failed to apply annotation to the resource")
		}

		reqLogger.Info("Updating resource", "name", desired.GetName(), "kind", desired.GetObjectKind(), "namespace", desired.GetNamespace(), "patch", string(patchResult.Patch))

		// Resource version is required for the update, but need to be set after
		// the last applied annotation to avoid unnecessary diffs
		desired.SetResourceVersion(current.GetResourceVersion())
		return r.client.Update(ctx, desired)
	}

	return nil
}

// CreateGatewayIfNotExists creates the gateway only when no gateway with the
// same name exists. An existing gateway is never overwritten so a re-run can
// not regress a working HTTPS gateway back to HTTP-only.
func (r *ResourceHelper) CreateGatewayIfNotExists(ctx context.Context, gateway *gwapiv1.Gateway, reqLogger logr.Logger) (bool, error) {
	foundGateway := &gwapiv1.Gateway{}
	err := r.client.Get(ctx, types.NamespacedName{Name: gateway.Name, Namespace: gateway.Namespace}, foundGateway)
	if err != nil && k8sErrors.IsNotFound(err) {
		reqLogger.Info("Creating gateway", "name", gateway.Name)
		return true, r.Create(ctx, gateway, reqLogger)
	} else if err != nil {
		return false, errors.Wrap(err, "failed to check if gateway exists")
	}

	return false, nil
}

func (r *ResourceHelper) GetGateway(ctx context.Context, name, namespace string) (*gwapiv1.Gateway, error) {
	gateway := &gwapiv1.Gateway{}
	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, gateway)
	if err != nil {
		return nil, err
	}
	return gateway, nil
}

func (r *ResourceHelper) CreateHTTPRouteIfNotExists(ctx context.Context, route *gwapiv1.HTTPRoute, reqLogger logr.Logger) error {
	foundRoute := &gwapiv1.HTTPRoute{}
	err := r.client.Get(ctx, types.NamespacedName{Name: route.Name, Namespace: route.Namespace}, foundRoute)
	if err != nil && k8sErrors.IsNotFound(err) {
		reqLogger.Info("Creating HTTP route", "name", route.Name)
		return r.Create(ctx, route, reqLogger)
	} else if err != nil {
		return errors.Wrap(err, "failed to check if HTTP route exists")
	}

	return nil
}

// DeleteHTTPRoute deletes the route. A missing route is not an error, so the
// call is safe to repeat.
func (r *ResourceHelper) DeleteHTTPRoute(ctx context.Context, name, namespace string, reqLogger logr.Logger) error {
	route := &gwapiv1.HTTPRoute{}
	route.Name = name
	route.Namespace = namespace

	err := r.client.Delete(ctx, route)
	if err != nil && !k8sErrors.IsNotFound(err) {
		return errors.Wrap(err, "failed to delete HTTP route")
	}

	return nil
}

func (r *ResourceHelper) CreateCertificateIfNotExists(ctx context.Context, certificate *certmanagerv1.Certificate, reqLogger logr.Logger) error {
	foundCertificate := &certmanagerv1.Certificate{}
	err := r.client.Get(ctx, types.NamespacedName{Name: certificate.Name, Namespace: certificate.Namespace}, foundCertificate)
	if err != nil && k8sErrors.IsNotFound(err) {
		reqLogger.Info("Creating certificate", "name", certificate.Name)
		return r.Create(ctx, certificate, reqLogger)
	} else if err != nil {
		return errors.Wrap(err, "failed to check if certificate exists")
	}

	return nil
}

func (r *ResourceHelper) GetCertificate(ctx context.Context, name, namespace string) (*certmanagerv1.Certificate, error) {
	certificate := &certmanagerv1.Certificate{}
	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, certificate)
	if err != nil {
		return nil, err
	}
	return certificate, nil
}

func (r *ResourceHelper) CreateClusterIssuerIfNotExists(ctx context.Context, issuer *certmanagerv1.ClusterIssuer, reqLogger logr.Logger) error {
	foundIssuer := &certmanagerv1.ClusterIssuer{}
	err := r.client.Get(ctx, types.NamespacedName{Name: issuer.Name}, foundIssuer)
	if err != nil && k8sErrors.IsNotFound(err) {
		reqLogger.Info("Creating cluster issuer", "name", issuer.Name)
		return r.Create(ctx, issuer, reqLogger)
	} else if err != nil {
		return errors.Wrap(err, "failed to check if cluster issuer exists")
	}

	return nil
}

// SecretExists reports whether the named secret is present.
func (r *ResourceHelper) SecretExists(ctx context.Context, name, namespace string) (bool, error) {
	secret := &corev1.Secret{}
	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, secret)
	if err != nil && k8sErrors.IsNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "failed to check if secret exists")
	}

	return true, nil
}

// ListServicesByLabel returns services in the namespace matching the selector.
func (r *ResourceHelper) ListServicesByLabel(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Service, error) {
	services := &corev1.ServiceList{}
	listOptions := []client.ListOption{
		client.InNamespace(namespace),
		client.MatchingLabels(selector),
	}
	err := r.client.List(ctx, services, listOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list services")
	}

	return services.Items, nil
}
