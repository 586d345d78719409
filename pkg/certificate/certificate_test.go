package certificate

import (
	"testing"
	"time"

	cmacme "github.com/cert-manager/cert-manager/pkg/apis/acme/v1"
	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	cmmeta "github.com/cert-manager/cert-manager/pkg/apis/meta/v1"
	"github.com/go-logr/logr"
	blubr "github.com/mattermost/blubr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
	corev1 "k8s.io/api/core/v1"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	gwapiv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/mattermost/gateway-provisioner/pkg/resources"
)

func testRequest() Request {
	return Request{
		Domain:      "chat.example.org",
		SecretName:  "mattermost-gateway-tls",
		IssuerName:  "letsencrypt-production",
		GatewayName: "mattermost-gateway",
		Namespace:   "mattermost",
	}
}

func prepareScheme(t *testing.T) *runtime.Scheme {
	s := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(s))
	require.NoError(t, gwapiv1.Install(s))
	require.NoError(t, certmanagerv1.AddToScheme(s))
	return s
}

func newTestOrchestrator(c client.Client, maxAttempts int) *Orchestrator {
	logger := logr.New(blubr.InitLogger(logrus.NewEntry(logrus.New()))).WithName("test")
	return NewOrchestrator(resources.NewResourceHelper(c), logger, 5*time.Millisecond, maxAttempts)
}

func readyCertificate(request Request) *certmanagerv1.Certificate {
	return &certmanagerv1.Certificate{
		ObjectMeta: metav1.ObjectMeta{Name: request.SecretName, Namespace: request.Namespace},
		Spec: certmanagerv1.CertificateSpec{
			SecretName: request.SecretName,
			DNSNames:   []string{request.Domain},
			IssuerRef:  cmmeta.ObjectReference{Name: request.IssuerName, Kind: certmanagerv1.ClusterIssuerKind},
		},
		Status: certmanagerv1.CertificateStatus{
			Conditions: []certmanagerv1.CertificateCondition{
				{Type: certmanagerv1.CertificateConditionReady, Status: cmmeta.ConditionTrue},
			},
		},
	}
}

func solverService(namespace string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "cm-acme-http-solver-x7b2k",
			Namespace: namespace,
			Labels:    map[string]string{solverServiceLabel: "true"},
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: solverServicePort}},
		},
	}
}

func validationRouteAbsent(t *testing.T, c client.Client, request Request) {
	route := &gwapiv1.HTTPRoute{}
	err := c.Get(context.TODO(), types.NamespacedName{Name: validationRouteName(request), Namespace: request.Namespace}, route)
	require.Error(t, err)
	assert.True(t, k8sErrors.IsNotFound(err))
}

func TestEnsureAlreadyReady(t *testing.T) {
	request := testRequest()

	var certificateCreates int
	c := fake.NewClientBuilder().
		WithScheme(prepareScheme(t)).
		WithObjects(readyCertificate(request)).
		WithInterceptorFuncs(interceptor.Funcs{
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*certmanagerv1.Certificate); ok {
					certificateCreates++
				}
				return c.Create(ctx, obj, opts...)
			},
		}).
		Build()
	orchestrator := newTestOrchestrator(c, 3)

	outcome, err := orchestrator.Ensure(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, PhaseAlreadyReady, outcome.Phase)
	// Short-circuit means zero new requests toward the CA.
	assert.Equal(t, 0, certificateCreates)
	validationRouteAbsent(t, c, request)
}

func TestEnsureIssuesCertificate(t *testing.T) {
	request := testRequest()
	c := fake.NewClientBuilder().
		WithScheme(prepareScheme(t)).
		WithObjects(solverService(request.Namespace)).
		Build()
	orchestrator := newTestOrchestrator(c, 40)

	// Flip the certificate to ready shortly after it is submitted, standing
	// in for cert-manager completing the challenge.
	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(5 * time.Millisecond)
			certificate := &certmanagerv1.Certificate{}
			err := c.Get(context.TODO(), types.NamespacedName{Name: request.SecretName, Namespace: request.Namespace}, certificate)
			if err != nil {
				continue
			}
			certificate.Status.Conditions = []certmanagerv1.CertificateCondition{
				{Type: certmanagerv1.CertificateConditionReady, Status: cmmeta.ConditionTrue},
			}
			if err := c.Update(context.TODO(), certificate); err == nil {
				return
			}
		}
	}()

	outcome, err := orchestrator.Ensure(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, outcome.Phase)
	assert.Equal(t, request.SecretName, outcome.SecretName)

	certificate := &certmanagerv1.Certificate{}
	err = c.Get(context.TODO(), types.NamespacedName{Name: request.SecretName, Namespace: request.Namespace}, certificate)
	require.NoError(t, err)
	assert.Equal(t, []string{request.Domain}, certificate.Spec.DNSNames)
	assert.Equal(t, certmanagerv1.ClusterIssuerKind, certificate.Spec.IssuerRef.Kind)

	// The validation route must be gone once the certificate settled.
	validationRouteAbsent(t, c, request)
}

func TestEnsureSolverNotFound(t *testing.T) {
	request := testRequest()
	c := fake.NewClientBuilder().WithScheme(prepareScheme(t)).Build()
	orchestrator := newTestOrchestrator(c, 3)

	start := time.Now()
	outcome, err := orchestrator.Ensure(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, PhaseTimedOut, outcome.Phase)
	// Discovery budget plus readiness budget, with generous overhead.
	assert.Less(t, time.Since(start), 2*time.Second)

	// The request itself was still submitted and stays pending for a re-run.
	certificate := &certmanagerv1.Certificate{}
	err = c.Get(context.TODO(), types.NamespacedName{Name: request.SecretName, Namespace: request.Namespace}, certificate)
	require.NoError(t, err)
	validationRouteAbsent(t, c, request)
}

func TestEnsureTimedOutCleansUpRoute(t *testing.T) {
	request := testRequest()
	c := fake.NewClientBuilder().
		WithScheme(prepareScheme(t)).
		WithObjects(solverService(request.Namespace)).
		Build()
	orchestrator := newTestOrchestrator(c, 3)

	outcome, err := orchestrator.Ensure(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, PhaseTimedOut, outcome.Phase)
	validationRouteAbsent(t, c, request)
}

func TestEnsureIssuer(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(prepareScheme(t)).Build()
	orchestrator := newTestOrchestrator(c, 3)

	err := orchestrator.EnsureIssuer(context.TODO(), "letsencrypt-production", "admin@example.org")
	require.NoError(t, err)
	// Idempotent re-run.
	err = orchestrator.EnsureIssuer(context.TODO(), "letsencrypt-production", "admin@example.org")
	require.NoError(t, err)

	issuer := &certmanagerv1.ClusterIssuer{}
	err = c.Get(context.TODO(), types.NamespacedName{Name: "letsencrypt-production"}, issuer)
	require.NoError(t, err)
	require.NotNil(t, issuer.Spec.ACME)
	assert.Equal(t, "admin@example.org", issuer.Spec.ACME.Email)
	require.Len(t, issuer.Spec.ACME.Solvers, 1)
	require.NotNil(t, issuer.Spec.ACME.Solvers[0].HTTP01)

	var solver *cmacme.ACMEChallengeSolverHTTP01GatewayHTTPRoute = issuer.Spec.ACME.Solvers[0].HTTP01.GatewayHTTPRoute
	require.NotNil(t, solver)
}

func TestValidationRouteShape(t *testing.T) {
	request := testRequest()
	orchestrator := newTestOrchestrator(fake.NewClientBuilder().WithScheme(prepareScheme(t)).Build(), 3)

	route := orchestrator.generateValidationRoute(request, "cm-acme-http-solver-x7b2k")
	require.Len(t, route.Spec.ParentRefs, 1)
	assert.Equal(t, gwapiv1.ObjectName(request.GatewayName), route.Spec.ParentRefs[0].Name)
	assert.Equal(t, gwapiv1.SectionName("http"), *route.Spec.ParentRefs[0].SectionName)
	require.Len(t, route.Spec.Rules, 1)
	require.Len(t, route.Spec.Rules[0].Matches, 1)
	assert.Equal(t, acmeChallengePath, *route.Spec.Rules[0].Matches[0].Path.Value)
	require.Len(t, route.Spec.Rules[0].BackendRefs, 1)
	assert.Equal(t, gwapiv1.PortNumber(solverServicePort), *route.Spec.Rules[0].BackendRefs[0].Port)
}
