package guest

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/go-logr/logr"
)

var (
	ErrInvalidTrustMaterial = errors.New("invalid trust material")
	ErrUserRequired         = errors.New("user is required")
)

const (
	DefaultCertFile = "mitmproxy-ca-cert.cer"
	DefaultCRLFile  = "root.crl"
	// DefaultTrustDir is relative to the home directory of the router user.
	DefaultTrustDir = ".mitmproxy"
)

// TrustConfig locates the interception CA on the router.
type TrustConfig struct {
	// Dir is either absolute or relative to /home/<router user>.
	Dir      string
	CertFile string
	CRLFile  string
}

func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		Dir:      DefaultTrustDir,
		CertFile: DefaultCertFile,
		CRLFile:  DefaultCRLFile,
	}
}

// TrustInstaller copies the interception CA of the router into the machine trust
// store of a guest.
type TrustInstaller struct {
	cfg TrustConfig
}

func NewTrustInstaller(cfg TrustConfig) *TrustInstaller {
	return &TrustInstaller{cfg: cfg}
}

// Install fetches the CA certificate and CRL from router, uploads them to the home
// directory of vm.User and registers them. Running it twice imports the material twice.
func (t *TrustInstaller) Install(ctx context.Context, vm VM, router VM) error {
	if router.User == "" && !path.IsAbs(t.cfg.Dir) {
		return fmt.Errorf("%w: router %s", ErrUserRequired, router.Name)
	}
	if vm.User == "" {
		return fmt.Errorf("%w: guest %s", ErrUserRequired, vm.Name)
	}

	log := logr.FromContextOrDiscard(ctx).WithValues("vm", vm.Name, "router", router.Name)

	tmpDir, err := os.MkdirTemp("", "cvex-trust-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	certLocal := filepath.Join(tmpDir, t.cfg.CertFile)
	if err := remote.Download(ctx, router.Exec, t.routerPath(router, t.cfg.CertFile), certLocal); err != nil {
		return err
	}
	crlLocal := filepath.Join(tmpDir, t.cfg.CRLFile)
	if err := remote.Download(ctx, router.Exec, t.routerPath(router, t.cfg.CRLFile), crlLocal); err != nil {
		return err
	}

	if err := ValidateCertificateFile(certLocal); err != nil {
		return err
	}
	if err := ValidateCRLFile(crlLocal); err != nil {
		return err
	}

	certDest := GuestHomePath(vm.User, t.cfg.CertFile)
	if err := remote.Upload(ctx, vm.Exec, certLocal, certDest); err != nil {
		return err
	}
	crlDest := GuestHomePath(vm.User, t.cfg.CRLFile)
	if err := remote.Upload(ctx, vm.Exec, crlLocal, crlDest); err != nil {
		return err
	}

	if _, err := remote.Run(ctx, vm.Exec, "powershell", fmt.Sprintf(
		"Import-Certificate -FilePath '%s' -CertStoreLocation Cert:\\LocalMachine\\Root", certDest)); err != nil {
		return err
	}
	if _, err := remote.Run(ctx, vm.Exec, "certutil", "-addstore", "CA", crlDest); err != nil {
		return err
	}

	log.Info("trust material installed", "cert", certDest, "crl", crlDest)
	return nil
}

func (t *TrustInstaller) routerPath(router VM, file string) string {
	if path.IsAbs(t.cfg.Dir) {
		return path.Join(t.cfg.Dir, file)
	}
	return path.Join("/home", router.User, t.cfg.Dir, file)
}

// GuestHomePath returns the path of file in the home directory of user on Windows.
func GuestHomePath(user, file string) string {
	return `C:\Users\` + user + `\` + file
}

// ValidateCertificateFile checks that the file at p holds an X.509 certificate,
// PEM or DER encoded.
func ValidateCertificateFile(p string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if _, err := x509.ParseCertificate(derBytes(b, "CERTIFICATE")); err != nil {
		return fmt.Errorf("%w: certificate %s: %w", ErrInvalidTrustMaterial, filepath.Base(p), err)
	}
	return nil
}

// ValidateCRLFile checks that the file at p holds a certificate revocation list,
// PEM or DER encoded.
func ValidateCRLFile(p string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if _, err := x509.ParseRevocationList(derBytes(b, "X509 CRL")); err != nil {
		return fmt.Errorf("%w: revocation list %s: %w", ErrInvalidTrustMaterial, filepath.Base(p), err)
	}
	return nil
}

func derBytes(b []byte, pemType string) []byte {
	if block, _ := pem.Decode(b); block != nil && block.Type == pemType {
		return block.Bytes
	}
	return b
}
