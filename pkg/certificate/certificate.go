// Package certificate drives cert-manager through the HTTP-01 validation of
// the deployment domain. The solver endpoint is an ephemeral service created
// by cert-manager itself once the challenge starts, so the orchestrator first
// discovers it, then wires a temporary route to it, and tears the route down
// once the certificate settles.
package certificate

import (
	"context"
	"fmt"
	"time"

	cmacme "github.com/cert-manager/cert-manager/pkg/apis/acme/v1"
	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	cmmeta "github.com/cert-manager/cert-manager/pkg/apis/meta/v1"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	gwapiv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/mattermost/gateway-provisioner/pkg/resources"
	"github.com/mattermost/gateway-provisioner/pkg/retry"
)

// Phase is the terminal or intermediate state of one certificate request.
type Phase string

const (
	PhaseNotRequested Phase = "NotRequested"
	PhaseAlreadyReady Phase = "AlreadyReady"
	PhasePending      Phase = "Pending"
	PhaseValidating   Phase = "Validating"
	PhaseReady        Phase = "Ready"
	PhaseTimedOut     Phase = "TimedOut"
)

// solverServiceLabel marks the ephemeral services cert-manager creates to
// answer HTTP-01 challenges.
const solverServiceLabel = "acme.cert-manager.io/http01-solver"

// solverServicePort is the fixed port cert-manager solver services listen on.
const solverServicePort = 8089

const acmeChallengePath = "/.well-known/acme-challenge"

// Request describes one certificate to ensure. At most one live request
// exists per (Domain, SecretName) pair; re-runs find the existing object.
type Request struct {
	Domain      string
	SecretName  string
	IssuerName  string
	GatewayName string
	Namespace   string
}

// Outcome reports how far the orchestrator got. A TimedOut outcome is a soft
// failure: the request stays pending in the cluster and a re-run picks it up
// as AlreadyReady once it eventually succeeds.
type Outcome struct {
	Phase      Phase
	SecretName string
}

// Orchestrator submits certificate requests and manages the temporary
// validation route while cert-manager proves domain ownership.
type Orchestrator struct {
	resources    *resources.ResourceHelper
	logger       logr.Logger
	pollInterval time.Duration
	maxAttempts  int
}

func NewOrchestrator(helper *resources.ResourceHelper, logger logr.Logger, pollInterval time.Duration, maxAttempts int) *Orchestrator {
	return &Orchestrator{
		resources:    helper,
		logger:       logger.WithName("certificate"),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// EnsureIssuer creates the ACME cluster issuer if it does not exist. Route
// wiring for challenges is owned by the orchestrator, not the issuer, so the
// solver config only labels the challenge resources.
func (o *Orchestrator) EnsureIssuer(ctx context.Context, name, contactEmail string) error {
	issuer := &certmanagerv1.ClusterIssuer{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
		},
		Spec: certmanagerv1.IssuerSpec{
			IssuerConfig: certmanagerv1.IssuerConfig{
				ACME: &cmacme.ACMEIssuer{
					Email:  contactEmail,
					Server: "https://acme-v02.api.letsencrypt.org/directory",
					PrivateKey: cmmeta.SecretKeySelector{
						LocalObjectReference: cmmeta.LocalObjectReference{
							Name: fmt.Sprintf("%s-account-key", name),
						},
					},
					Solvers: []cmacme.ACMEChallengeSolver{
						{
							HTTP01: &cmacme.ACMEChallengeSolverHTTP01{
								GatewayHTTPRoute: &cmacme.ACMEChallengeSolverHTTP01GatewayHTTPRoute{
									Labels: map[string]string{
										"app.kubernetes.io/managed-by": "gateway-provisioner",
									},
								},
							},
						},
					},
				},
			},
		},
	}

	return o.resources.CreateClusterIssuerIfNotExists(ctx, issuer, o.logger)
}

// Ensure walks one certificate request to a terminal phase. Timeouts are
// reported in the outcome rather than as errors; only cluster API failures
// and cancellation error out.
func (o *Orchestrator) Ensure(ctx context.Context, request Request) (Outcome, error) {
	outcome := Outcome{Phase: PhaseNotRequested, SecretName: request.SecretName}

	existing, err := o.resources.GetCertificate(ctx, request.SecretName, request.Namespace)
	if err != nil && !k8sErrors.IsNotFound(err) {
		return outcome, errors.Wrap(err, "failed to check for existing certificate")
	}
	if err == nil && isReady(existing) {
		o.logger.Info("Certificate already issued, skipping request", "secret", request.SecretName, "domain", request.Domain)
		outcome.Phase = PhaseAlreadyReady
		return outcome, nil
	}

	err = o.resources.CreateCertificateIfNotExists(ctx, o.generateCertificate(request), o.logger)
	if err != nil {
		return outcome, errors.Wrap(err, "failed to submit certificate request")
	}
	outcome.Phase = PhasePending

	solverService, err := o.discoverSolverService(ctx, request.Namespace)
	if err != nil {
		return outcome, err
	}

	if solverService == "" {
		// The solver may still appear between polls; waiting anyway trades a
		// possibly wasted wait for avoiding a false negative.
		o.logger.Info("No challenge solver service found, waiting for certificate anyway", "domain", request.Domain)
	} else {
		outcome.Phase = PhaseValidating
		err = o.resources.CreateHTTPRouteIfNotExists(ctx, o.generateValidationRoute(request, solverService), o.logger)
		if err != nil {
			return outcome, errors.Wrap(err, "failed to create validation route")
		}
	}

	ready, err := o.waitReady(ctx, request)

	// The validation route is scoped strictly to the challenge window. Its
	// deletion must be attempted on every exit path, and failures only
	// logged: a leftover route is clutter, not a correctness problem.
	o.cleanupValidationRoute(ctx, request)

	if err != nil {
		return outcome, err
	}
	if !ready {
		o.logger.Info("Certificate not ready within the attempt budget; re-run the provisioner to retry", "domain", request.Domain)
		outcome.Phase = PhaseTimedOut
		return outcome, nil
	}

	o.logger.Info("Certificate issued", "secret", request.SecretName, "domain", request.Domain)
	outcome.Phase = PhaseReady
	return outcome, nil
}

// discoverSolverService polls for the ephemeral solver service. Not finding
// one is not fatal; the empty string signals that.
func (o *Orchestrator) discoverSolverService(ctx context.Context, namespace string) (string, error) {
	var serviceName string

	err := retry.Until(ctx, o.pollInterval, o.maxAttempts, func(ctx context.Context) (bool, error) {
		services, err := o.resources.ListServicesByLabel(ctx, namespace, map[string]string{solverServiceLabel: "true"})
		if err != nil {
			return false, errors.Wrap(err, "failed to list solver services")
		}
		if len(services) == 0 {
			o.logger.Info("Challenge solver service not created yet", "namespace", namespace)
			return false, nil
		}

		serviceName = services[0].Name
		o.logger.Info("Discovered challenge solver service", "service", serviceName)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrTimedOut) {
			return "", nil
		}
		return "", err
	}

	return serviceName, nil
}

func (o *Orchestrator) waitReady(ctx context.Context, request Request) (bool, error) {
	err := retry.Until(ctx, o.pollInterval, o.maxAttempts, func(ctx context.Context) (bool, error) {
		certificate, err := o.resources.GetCertificate(ctx, request.SecretName, request.Namespace)
		if err != nil {
			return false, errors.Wrap(err, "failed to get certificate")
		}

		if !isReady(certificate) {
			o.logger.Info("Certificate not ready yet", "secret", request.SecretName)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrTimedOut) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (o *Orchestrator) cleanupValidationRoute(ctx context.Context, request Request) {
	err := o.resources.DeleteHTTPRoute(ctx, validationRouteName(request), request.Namespace, o.logger)
	if err != nil {
		o.logger.Info("Failed to delete validation route, leaving it behind", "route", validationRouteName(request), "error", err.Error())
	}
}

func (o *Orchestrator) generateCertificate(request Request) *certmanagerv1.Certificate {
	return &certmanagerv1.Certificate{
		ObjectMeta: metav1.ObjectMeta{
			Name:      request.SecretName,
			Namespace: request.Namespace,
		},
		Spec: certmanagerv1.CertificateSpec{
			SecretName: request.SecretName,
			DNSNames:   []string{request.Domain},
			IssuerRef: cmmeta.ObjectReference{
				Name: request.IssuerName,
				Kind: certmanagerv1.ClusterIssuerKind,
			},
		},
	}
}

// generateValidationRoute routes the ACME challenge path on the HTTP listener
// to the discovered solver service.
func (o *Orchestrator) generateValidationRoute(request Request, solverService string) *gwapiv1.HTTPRoute {
	return &gwapiv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Name:      validationRouteName(request),
			Namespace: request.Namespace,
		},
		Spec: gwapiv1.HTTPRouteSpec{
			CommonRouteSpec: gwapiv1.CommonRouteSpec{
				ParentRefs: []gwapiv1.ParentReference{
					{
						Name:        gwapiv1.ObjectName(request.GatewayName),
						SectionName: ptr.To(gwapiv1.SectionName("http")),
					},
				},
			},
			Hostnames: []gwapiv1.Hostname{gwapiv1.Hostname(request.Domain)},
			Rules: []gwapiv1.HTTPRouteRule{
				{
					Matches: []gwapiv1.HTTPRouteMatch{
						{
							Path: &gwapiv1.HTTPPathMatch{
								Type:  ptr.To(gwapiv1.PathMatchPathPrefix),
								Value: ptr.To(acmeChallengePath),
							},
						},
					},
					BackendRefs: []gwapiv1.HTTPBackendRef{
						{
							BackendRef: gwapiv1.BackendRef{
								BackendObjectReference: gwapiv1.BackendObjectReference{
									Name: gwapiv1.ObjectName(solverService),
									Port: ptr.To(gwapiv1.PortNumber(solverServicePort)),
								},
							},
						},
					},
				},
			},
		},
	}
}

func validationRouteName(request Request) string {
	return fmt.Sprintf("%s-acme-solver", request.GatewayName)
}

func isReady(certificate *certmanagerv1.Certificate) bool {
	for _, condition := range certificate.Status.Conditions {
		if condition.Type == certmanagerv1.CertificateConditionReady {
			return condition.Status == cmmeta.ConditionTrue
		}
	}
	return false
}
