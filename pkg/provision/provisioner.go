// Package provision sequences the fixed phase order that takes a deployment
// from no edge at all to a programmed HTTPS gateway: HTTP-only gateway,
// address assignment, DNS propagation, certificate issuance, HTTPS listener.
//
// Every phase re-checks the cluster's current state before acting, so a run
// that halts partway is safe to restart from the beginning.
package provision

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mattermost/gateway-provisioner/pkg/certificate"
	"github.com/mattermost/gateway-provisioner/pkg/dnscheck"
	"github.com/mattermost/gateway-provisioner/pkg/gateway"
	"github.com/mattermost/gateway-provisioner/pkg/resources"
	"github.com/mattermost/gateway-provisioner/pkg/retry"
)

// Phase names one step of the fixed provisioning sequence.
type Phase string

const (
	PhaseCreatingHTTPGateway Phase = "CreatingHttpGateway"
	PhaseAwaitingAddress     Phase = "AwaitingAddress"
	PhaseAwaitingDNS         Phase = "AwaitingDns"
	PhaseIssuingCertificate  Phase = "IssuingCertificate"
	PhaseAddingHTTPSListener Phase = "AddingHttpsListener"
	PhaseDone                Phase = "Done"
)

// DNSConfirmer decides whether to proceed to certificate issuance while the
// domain still does not resolve to the gateway address. The terminal front
// end in main turns this into a prompt; the sequencer itself never assumes
// a TTY.
type DNSConfirmer interface {
	ConfirmProceed(domain, expectedAddress, observedAddress string) (bool, error)
}

// HeadlessConfirmer applies a fixed policy, for automated runs.
type HeadlessConfirmer struct {
	Proceed bool
}

func (c HeadlessConfirmer) ConfirmProceed(domain, expectedAddress, observedAddress string) (bool, error) {
	return c.Proceed, nil
}

// Provisioner composes the gateway controller, the certificate orchestrator
// and the DNS gate into the phase sequence. It is the only layer that decides
// warn-and-continue versus halt.
type Provisioner struct {
	config       Config
	resources    *resources.ResourceHelper
	gateways     *gateway.Controller
	certificates *certificate.Orchestrator
	dnsGate      *dnscheck.Gate
	lookuper     dnscheck.Lookuper
	confirmer    DNSConfirmer
	logger       logr.Logger

	phase Phase
}

func New(k8sClient client.Client, lookuper dnscheck.Lookuper, confirmer DNSConfirmer, config Config, logger logr.Logger) *Provisioner {
	helper := resources.NewResourceHelper(k8sClient)
	interval := config.PollInterval()

	return &Provisioner{
		config:       config,
		resources:    helper,
		gateways:     gateway.NewController(helper, logger, interval, config.MaxPollAttempts),
		certificates: certificate.NewOrchestrator(helper, logger, interval, config.MaxPollAttempts),
		dnsGate:      dnscheck.NewGate(lookuper, config.DNSResolverAddress, logger, interval, config.MaxPollAttempts),
		lookuper:     lookuper,
		confirmer:    confirmer,
		logger:       logger.WithName("provision"),
		phase:        PhaseCreatingHTTPGateway,
	}
}

// Phase returns the phase the sequencer last entered. After a successful Run
// it is PhaseDone; after a halt it names the phase that halted.
func (p *Provisioner) Phase() Phase {
	return p.phase
}

// Run executes the phase sequence. Any returned error leaves the cluster in
// its current state; re-running is always safe and resumes from whatever
// already exists.
func (p *Provisioner) Run(ctx context.Context) error {
	spec := p.gatewaySpec()

	p.logger.Info("Starting provisioning run", "domain", p.config.Domain, "gateway", spec.Name, "namespace", spec.Namespace)

	p.enterPhase(PhaseCreatingHTTPGateway)
	state, err := p.gateways.EnsureHTTPOnly(ctx, spec)
	if err != nil {
		return errors.Wrap(err, "failed to ensure http gateway")
	}
	if state.HTTPSEnabled {
		p.logger.Info("Gateway already serves HTTPS; remaining phases verify and fill gaps")
	}

	p.enterPhase(PhaseAwaitingAddress)
	address, err := p.gateways.WaitProgrammed(ctx, spec.Name, spec.Namespace)
	if err != nil {
		if errors.Is(err, retry.ErrTimedOut) {
			return errors.Wrap(err, "gateway has no address yet; re-run to retry")
		}
		return err
	}

	p.enterPhase(PhaseAwaitingDNS)
	p.logger.Info(fmt.Sprintf("Create a DNS A record pointing %s to %s", p.config.Domain, address))
	result, err := p.dnsGate.WaitForResolution(ctx, p.config.Domain, address)
	if err != nil {
		return err
	}
	if result.Status == dnscheck.Degraded {
		if !p.config.AllowDNSOverride {
			return errors.Errorf("%s does not resolve to %s and DNS override is disabled; fix the record and re-run", p.config.Domain, address)
		}
		proceed, confirmErr := p.confirmer.ConfirmProceed(p.config.Domain, address, result.LastObserved)
		if confirmErr != nil {
			return errors.Wrap(confirmErr, "failed to confirm proceeding without DNS")
		}
		if !proceed {
			return errors.New("stopped while awaiting DNS propagation; re-run once the record is in place")
		}
		p.logger.Info("Proceeding without a confirmed DNS binding; domain validation may fail and the run will end degraded")
	}

	p.enterPhase(PhaseIssuingCertificate)
	err = p.certificates.EnsureIssuer(ctx, p.config.IssuerName, p.config.ContactEmail)
	if err != nil {
		return errors.Wrap(err, "failed to ensure cluster issuer")
	}

	outcome, err := p.certificates.Ensure(ctx, certificate.Request{
		Domain:      p.config.Domain,
		SecretName:  p.config.CertificateSecretName,
		IssuerName:  p.config.IssuerName,
		GatewayName: spec.Name,
		Namespace:   spec.Namespace,
	})
	if err != nil {
		return errors.Wrap(err, "certificate request failed")
	}
	if outcome.Phase == certificate.PhaseTimedOut {
		return errors.New("certificate was not issued in time; the request stays pending, re-run to finish")
	}

	p.enterPhase(PhaseAddingHTTPSListener)
	// The secret existence check must strictly precede applying the HTTPS
	// listener; a missing secret would leave the whole gateway
	// not-programmed with no hint at the cause.
	exists, err := p.resources.SecretExists(ctx, p.config.CertificateSecretName, spec.Namespace)
	if err != nil {
		return errors.Wrap(err, "failed to check TLS secret")
	}
	if !exists {
		return errors.Errorf("TLS secret %s/%s missing although the certificate reports ready; re-run to retry", spec.Namespace, p.config.CertificateSecretName)
	}

	state, err = p.gateways.AddHTTPSListener(ctx, spec, p.config.CertificateSecretName)
	if err != nil {
		return errors.Wrap(err, "failed to apply https listener")
	}

	_, err = p.gateways.WaitProgrammed(ctx, spec.Name, spec.Namespace)
	if err != nil {
		if !errors.Is(err, retry.ErrTimedOut) {
			return err
		}
		// The HTTPS revision is applied; the controller may just be slow to
		// reconcile it. Finishing the routes is idempotent and safe.
		p.logger.Info("Gateway not yet programmed after adding HTTPS listener; continuing, re-run to verify")
	}

	err = p.gateways.EnsureAppRoute(ctx, spec, p.config.ServiceName, p.config.ServicePort)
	if err != nil {
		return errors.Wrap(err, "failed to ensure application routes")
	}

	p.enterPhase(PhaseDone)
	p.logger.Info("Provisioning complete", "domain", p.config.Domain, "address", address, "httpsEnabled", state.HTTPSEnabled)
	return nil
}

// Report prints the externally observable state of every phase without
// mutating anything. It is the read-only counterpart of Run.
func (p *Provisioner) Report(ctx context.Context) error {
	spec := p.gatewaySpec()

	currentGateway, err := p.resources.GetGateway(ctx, spec.Name, spec.Namespace)
	if err != nil {
		if !k8sErrors.IsNotFound(err) {
			return errors.Wrap(err, "failed to get gateway")
		}
		p.logger.Info("Gateway not created yet", "name", spec.Name)
		return nil
	}

	address := ""
	if len(currentGateway.Status.Addresses) > 0 {
		address = currentGateway.Status.Addresses[0].Value
	}
	httpsEnabled := false
	for _, listener := range currentGateway.Spec.Listeners {
		if listener.Port == 443 {
			httpsEnabled = true
		}
	}
	p.logger.Info("Gateway state", "name", spec.Name, "address", address, "httpsEnabled", httpsEnabled)

	secretExists, err := p.resources.SecretExists(ctx, p.config.CertificateSecretName, spec.Namespace)
	if err != nil {
		return errors.Wrap(err, "failed to check TLS secret")
	}
	p.logger.Info("Certificate state", "secret", p.config.CertificateSecretName, "secretExists", secretExists)

	if address != "" {
		observed, lookupErr := p.lookuper.Lookup(ctx, p.config.Domain, p.config.DNSResolverAddress)
		if lookupErr != nil {
			p.logger.Info("DNS state unknown", "domain", p.config.Domain, "error", lookupErr.Error())
		} else {
			p.logger.Info("DNS state", "domain", p.config.Domain, "observed", observed, "expected", address)
		}
	}

	return nil
}

func (p *Provisioner) gatewaySpec() gateway.Spec {
	return gateway.Spec{
		Name:      p.config.GatewayName,
		Namespace: p.config.Namespace,
		ClassName: p.config.GatewayClassName,
		Domain:    p.config.Domain,
	}
}

func (p *Provisioner) enterPhase(phase Phase) {
	p.phase = phase
	p.logger.Info("Entering phase", "phase", string(phase))
}
