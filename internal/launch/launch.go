// Package launch defines the launch request contract and the role-based
// admission checks the Controller applies before a request is ever scored
// against the fleet.
package launch

import (
	"errors"
	"fmt"
)

// Request is the body of a launch call: the session the caller wants
// materialized as a container on some agent.
type Request struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Image         string `json:"image"`
	CPULimit      int    `json:"cpu_limit"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
	GPU           bool   `json:"gpu"`
}

// Limits is the static ceiling one role is allowed to request.
type Limits struct {
	MaxCPU    int
	MaxRAMGiB int
}

// DefaultRoleLimits is the built-in role table: standard -> 4 CPU/4 GiB,
// power -> 10 CPU/32 GiB. Unknown roles fall back to "standard".
var DefaultRoleLimits = map[string]Limits{
	"standard": {MaxCPU: 4, MaxRAMGiB: 4},
	"power":    {MaxCPU: 10, MaxRAMGiB: 32},
}

// DefaultRole is used whenever a user record names a role absent from the
// table.
const DefaultRole = "standard"

// LimitsFor looks up a role's ceiling, falling back to DefaultRole for any
// role not present in the table.
func LimitsFor(table map[string]Limits, role string) Limits {
	if l, ok := table[role]; ok {
		return l
	}
	return table[DefaultRole]
}

// Validate checks the request shape: required fields present, limits
// positive. It does not know about roles or the allowed-images list —
// that's Admit's job — so it can run before either is loaded.
func (r Request) Validate() error {
	var errs []error
	if r.Username == "" {
		errs = append(errs, errors.New("username must not be empty"))
	}
	if r.Password == "" {
		errs = append(errs, errors.New("password must not be empty"))
	}
	if r.Image == "" {
		errs = append(errs, errors.New("image must not be empty"))
	}
	if r.CPULimit < 1 {
		errs = append(errs, errors.New("cpu_limit must be >= 1"))
	}
	if r.MemoryLimitMB < 256 {
		errs = append(errs, errors.New("memory_limit_mb must be >= 256"))
	}
	return errors.Join(errs...)
}

// Admit applies role-based and allowlist admission on top of Validate. It
// rejects with a descriptive error exactly when the request would be
// refused before ever touching the fleet: bad shape, role ceiling
// exceeded, or an image outside a non-empty allowlist.
func Admit(r Request, limits Limits, allowedImages []string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CPULimit > limits.MaxCPU {
		return fmt.Errorf("cpu_limit %d exceeds role limit %d", r.CPULimit, limits.MaxCPU)
	}
	if r.MemoryLimitMB > limits.MaxRAMGiB*1024 {
		return fmt.Errorf("memory_limit_mb %d exceeds role limit %d", r.MemoryLimitMB, limits.MaxRAMGiB*1024)
	}
	if len(allowedImages) > 0 && !contains(allowedImages, r.Image) {
		return fmt.Errorf("image %q is not on the allowed list", r.Image)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
