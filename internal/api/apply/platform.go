package apply

import (
	"encoding/json"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// PlatformSpec is the Apply API's spec.spec body for kind Platform:
// operators register the transport the control plane uses to reach
// this namespace's provisioning system.
type PlatformSpec struct {
	BaseURL     string `json:"base_url"`
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
	TLSCAFile   string `json:"tls_ca_file"`
}

// Platform validates env as a Platform object.
func Platform(env Envelope) (orchtypes.Platform, error) {
	if env.Kind != KindPlatform {
		return orchtypes.Platform{}, &ErrUnsupportedKind{Kind: env.Kind}
	}
	var spec PlatformSpec
	if err := json.Unmarshal(env.Spec, &spec); err != nil {
		return orchtypes.Platform{}, fmt.Errorf("decode platform spec: %w", err)
	}

	verr := &ValidationError{}
	if spec.BaseURL == "" {
		verr.add("spec.base_url", "must not be empty")
	}
	if spec.TLSEnabled && (spec.TLSCertFile == "" || spec.TLSKeyFile == "") {
		verr.add("spec.tls_cert_file", "cert and key files required when tls_enabled")
	}
	if len(verr.Violations) > 0 {
		return orchtypes.Platform{}, verr
	}

	return orchtypes.Platform{
		NsID:        env.Metadata.Namespace,
		Name:        env.Metadata.Name,
		BaseURL:     spec.BaseURL,
		TLSEnabled:  spec.TLSEnabled,
		TLSCertFile: spec.TLSCertFile,
		TLSKeyFile:  spec.TLSKeyFile,
		TLSCAFile:   spec.TLSCAFile,
	}, nil
}
