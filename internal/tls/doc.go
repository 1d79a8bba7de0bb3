// Package tls builds the listener TLS configuration and generates
// self-signed certificates for hosts without a PKI.
package tls
