package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// LoadServerCredentials builds server TLS. caFile is only read when agents
// must present client certificates.
func LoadServerCredentials(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert && caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
	}

	return credentials.NewTLS(config), nil
}

// LoadClientCredentials builds agent TLS. The client certificate is optional
// for servers that do not verify agents; an empty caFile uses system roots.
func LoadClientCredentials(certFile, keyFile, caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverNameOverride,
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	return credentials.NewTLS(config), nil
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, verify_if_given, require)", authType)
	}
}
