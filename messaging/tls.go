package messaging

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// loadTLS loads the configured key pair and CA pool and builds the client
// and server configurations. Both sides require peer authentication. A
// missing file is reported with its own message; any other load failure
// carries the cause.
func loadTLS(cfg TLSConfig, log *zap.Logger) (clientConf, serverConf *tls.Config, err error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("could not load cluster key pair: %s", err.Error())
		}
		return nil, nil, fmt.Errorf("error loading cluster key pair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("could not load cluster CA pool: %s", err.Error())
		}
		return nil, nil, fmt.Errorf("error loading cluster CA pool: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, nil, fmt.Errorf("error loading cluster CA pool: no certificates in %s", cfg.CAFile)
	}

	logCertFingerprint(cert, cfg.CertFile, log)

	serverConf = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	clientConf = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		// Cluster peers are dialed by address, not by certificate name:
		// verify the peer chain against the CA pool without hostname
		// matching, the same trust model the server side applies.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerChain(pool),
	}
	return clientConf, serverConf, nil
}

// verifyPeerChain validates the presented certificate chain against the
// cluster CA pool, skipping hostname verification.
func verifyPeerChain(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("peer presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
		})
		return err
	}
}

// logCertFingerprint logs the loaded certificate's SHA-1 fingerprint.
func logCertFingerprint(cert tls.Certificate, location string, log *zap.Logger) {
	if len(cert.Certificate) == 0 {
		return
	}
	sum := sha1.Sum(cert.Certificate[0])
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	log.Info("loaded cluster certificate",
		zap.String("location", location),
		zap.String("fingerprint", strings.Join(parts, ":")))
}
