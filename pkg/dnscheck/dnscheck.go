// Package dnscheck polls a DNS resolver until the deployment domain points
// at the gateway address. DNS records are configured by the operator out of
// band, so this package only observes and reports; it never errors the run
// because propagation is slow.
package dnscheck

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/mattermost/gateway-provisioner/pkg/retry"
)

// Status describes the outcome of a resolution wait.
type Status string

const (
	// Resolved means the domain resolved to the expected address.
	Resolved Status = "Resolved"
	// Degraded means the wait ended without the expected binding. The caller
	// decides whether to proceed anyway.
	Degraded Status = "Degraded"
)

// Result carries the wait outcome plus the last address observed, which is
// what the operator needs to fix a wrong DNS record.
type Result struct {
	Status       Status
	LastObserved string
}

// Lookuper resolves a domain to an IPv4 address using the given resolver.
// An empty address with a nil error means the name does not resolve yet.
type Lookuper interface {
	Lookup(ctx context.Context, domain, resolverAddress string) (string, error)
}

// Gate polls the resolver until the expected binding appears or the attempt
// budget runs out.
type Gate struct {
	lookuper        Lookuper
	logger          logr.Logger
	resolverAddress string
	pollInterval    time.Duration
	maxAttempts     int
}

func NewGate(lookuper Lookuper, resolverAddress string, logger logr.Logger, pollInterval time.Duration, maxAttempts int) *Gate {
	return &Gate{
		lookuper:        lookuper,
		logger:          logger.WithName("dns"),
		resolverAddress: resolverAddress,
		pollInterval:    pollInterval,
		maxAttempts:     maxAttempts,
	}
}

// WaitForResolution polls until domain resolves to expectedAddress. Each
// attempt logs whether the domain is unresolved, resolved to something else,
// or resolved correctly. A run out of attempts yields a Degraded result, not
// an error; only context cancellation errors out.
func (g *Gate) WaitForResolution(ctx context.Context, domain, expectedAddress string) (Result, error) {
	var lastObserved string

	err := retry.Until(ctx, g.pollInterval, g.maxAttempts, func(ctx context.Context) (bool, error) {
		address, err := g.lookuper.Lookup(ctx, domain, g.resolverAddress)
		if err != nil {
			// Resolver hiccups are expected during propagation. The poll
			// loop absorbs them; the next attempt may succeed.
			g.logger.Info("DNS query failed, will retry", "domain", domain, "error", err.Error())
			return false, nil
		}

		switch {
		case address == "":
			g.logger.Info("Domain does not resolve yet", "domain", domain, "expected", expectedAddress)
		case address != expectedAddress:
			lastObserved = address
			g.logger.Info("Domain resolves to a different address", "domain", domain, "observed", address, "expected", expectedAddress)
		default:
			lastObserved = address
			g.logger.Info("Domain resolves to the gateway address", "domain", domain, "address", address)
			return true, nil
		}

		return false, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrTimedOut) {
			return Result{Status: Degraded, LastObserved: lastObserved}, nil
		}
		return Result{}, err
	}

	return Result{Status: Resolved, LastObserved: lastObserved}, nil
}

// DNSLookuper queries A records against a specific resolver, bypassing the
// host's stub resolver so the check reflects public propagation.
type DNSLookuper struct {
	client *dns.Client
}

func NewDNSLookuper() *DNSLookuper {
	return &DNSLookuper{
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

func (l *DNSLookuper) Lookup(ctx context.Context, domain, resolverAddress string) (string, error) {
	message := &dns.Msg{}
	message.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	response, _, err := l.client.ExchangeContext(ctx, message, resolverAddress)
	if err != nil {
		return "", errors.Wrapf(err, "failed to query %s", resolverAddress)
	}

	for _, answer := range response.Answer {
		if a, ok := answer.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	return "", nil
}
