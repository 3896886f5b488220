package docker

import (
	"fmt"
	"strings"
)

// ManagedByLabel is the label key/value every container the Agent creates
// carries. It is the sole source of truth for "is this container ours" —
// the Agent never keeps an in-process list that could diverge from the
// runtime's state.
const (
	ManagedByLabelKey   = "managed_by"
	ManagedByLabelValue = "rdp_agent"
)

// ManagedByFilter returns the "key=value" label filter string used to scope
// Docker API list/prune calls to containers this Agent manages.
func ManagedByFilter() string {
	return fmt.Sprintf("%s=%s", ManagedByLabelKey, ManagedByLabelValue)
}

// IsManaged reports whether a container's labels carry the management label.
func IsManaged(labels map[string]string) bool {
	return labels[ManagedByLabelKey] == ManagedByLabelValue
}

// SanitizeImage trims whitespace and rejects shell metacharacters from an
// image reference before it is ever passed to the runtime. The original
// agent shelled out to a launch script and had to defend against ";" and
// "&"; the Docker Engine API call doesn't interpolate a shell, but the same
// sanitation is kept as a belt-and-braces input check since the reference
// still flows from an untrusted request body.
func SanitizeImage(image string) (string, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", fmt.Errorf("image must not be empty")
	}
	if strings.ContainsAny(image, ";&|`$\n\r") {
		return "", fmt.Errorf("image reference contains disallowed characters")
	}
	return image, nil
}
