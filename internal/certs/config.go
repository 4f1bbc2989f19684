package certs

// Source selects where the server identity is loaded from.
type Source string

const (
	// SourcePEM loads a PEM private key, a PEM certificate chain and a PEM client CA file.
	SourcePEM Source = "pem"
	// SourcePKCS12 loads the identity from a password protected PKCS#12 bundle and the
	// client CA from a PEM file.
	SourcePKCS12 Source = "pkcs12"
	// SourceSSM loads PEM material from AWS SSM Parameter Store.
	SourceSSM Source = "ssm"
)

// Config for loading trust material
type Config struct {
	Source Source `yaml:"source" validate:"required,oneof=pem pkcs12 ssm"`

	// Client CA bundle, required by the file based sources
	ClientCAPath string `yaml:"client_ca" validate:"required_unless=Source ssm"`

	// PEM files
	CertPath string `yaml:"cert" validate:"required_if=Source pem"`
	KeyPath  string `yaml:"key" validate:"required_if=Source pem"`

	// PKCS#12 bundle
	PKCS12Path     string `yaml:"pkcs12" validate:"required_if=Source pkcs12"`
	PKCS12Password string `yaml:"pkcs12_password"`

	// SSM parameter names
	ClientCASSM   string `yaml:"client_ca_ssm" validate:"required_if=Source ssm"`
	ServerCertSSM string `yaml:"cert_ssm" validate:"required_if=Source ssm"`
	ServerKeySSM  string `yaml:"key_ssm" validate:"required_if=Source ssm"`
}
