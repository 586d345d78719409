package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	"github.com/go-logr/logr"
	blubr "github.com/mattermost/blubr"
	"github.com/sirupsen/logrus"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	gwapiv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/mattermost/gateway-provisioner/pkg/dnscheck"
	"github.com/mattermost/gateway-provisioner/pkg/provision"
	"github.com/mattermost/gateway-provisioner/version"
)

var (
	scheme = k8sruntime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(gwapiv1.Install(scheme))
	utilruntime.Must(certmanagerv1.AddToScheme(scheme))
}

// terminalConfirmer asks on stdin whether to continue past an unconfirmed
// DNS binding. It is the interactive front end for the sequencer's
// suspension point.
type terminalConfirmer struct{}

func (terminalConfirmer) ConfirmProceed(domain, expectedAddress, observedAddress string) (bool, error) {
	if observedAddress == "" {
		fmt.Printf("%s does not resolve yet (expected %s).\n", domain, expectedAddress)
	} else {
		fmt.Printf("%s resolves to %s, expected %s.\n", domain, observedAddress, expectedAddress)
	}
	fmt.Print("Proceed with certificate issuance anyway? Domain validation may fail. [y/N]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func main() {
	var statusOnly bool
	var assumeYes bool
	flag.BoolVar(&statusOnly, "status", false, "Print the observed provisioning state and exit without changing anything.")
	flag.BoolVar(&assumeYes, "yes", false, "Never prompt; proceed past an unconfirmed DNS binding automatically.")
	flag.Parse()

	// Setup logging.
	// This logger wraps logrus in a 'logr.Logger' interface. This is required
	// for the deferred logging used by the provisioning packages.
	logger := logr.New(blubr.InitLogger(logrus.NewEntry(logrus.New())))
	logger = logger.WithName("gwp")
	logf.SetLogger(logger)

	logger.Info(version.GetVersionString())
	logger.Info(fmt.Sprintf("Go Version: %s", runtime.Version()))
	logger.Info(fmt.Sprintf("Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH))

	config, err := provision.LoadConfig()
	if err != nil {
		logger.Error(err, "Invalid configuration")
		os.Exit(1)
	}

	k8sClient, err := client.New(ctrl.GetConfigOrDie(), client.Options{Scheme: scheme})
	if err != nil {
		logger.Error(err, "Unable to construct cluster client")
		os.Exit(1)
	}

	var confirmer provision.DNSConfirmer = terminalConfirmer{}
	if assumeYes {
		confirmer = provision.HeadlessConfirmer{Proceed: true}
	}

	provisioner := provision.New(k8sClient, dnscheck.NewDNSLookuper(), confirmer, config, logger)

	ctx := ctrl.SetupSignalHandler()

	if statusOnly {
		if err := provisioner.Report(ctx); err != nil {
			logger.Error(err, "Failed to read provisioning state")
			os.Exit(1)
		}
		return
	}

	if err := provisioner.Run(ctx); err != nil {
		logger.Error(err, "Provisioning halted; the cluster is left as-is and a re-run will resume")
		os.Exit(1)
	}
}
