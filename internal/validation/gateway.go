// Package validation checks that the radio gateway we talk to speaks a
// protocol revision this controller understands, and turns gateway error
// codes into operator hints.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Minimum supported gateway release and the only RPC revision spoken.
const (
	MinGatewayMajor = 1
	MinGatewayMinor = 2
	RPCVersion      = 1
)

// ValidationResult contains the outcome of a compatibility check.
type ValidationResult struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ValidateGatewayVersion checks the gateway release reported in its hello.
func ValidateGatewayVersion(versionString string) *ValidationResult {
	result := &ValidationResult{OK: true}

	matches := versionRe.FindStringSubmatch(versionString)
	if len(matches) < 4 {
		result.OK = false
		result.Message = fmt.Sprintf("Could not parse gateway version: %q", versionString)
		result.Issues = append(result.Issues, "Invalid version format")
		result.Fixes = append(result.Fixes, "Upgrade the radio gateway to a tagged release")
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	if major < MinGatewayMajor || (major == MinGatewayMajor && minor < MinGatewayMinor) {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("gateway %d.%d is too old (requires %d.%d+)", major, minor, MinGatewayMajor, MinGatewayMinor))
		result.Fixes = append(result.Fixes, fmt.Sprintf("Upgrade the radio gateway to %d.%d or later", MinGatewayMajor, MinGatewayMinor))
		result.Message = fmt.Sprintf("gateway %d.%d requires update", major, minor)
		return result
	}

	if strings.Contains(versionString, "-") {
		result.Warnings = append(result.Warnings, fmt.Sprintf("pre-release gateway %s", versionString))
	}
	result.Message = fmt.Sprintf("gateway %d.%d is compatible", major, minor)
	return result
}

// ValidateRPCVersion checks the message framing revision.
func ValidateRPCVersion(rpc int) *ValidationResult {
	if rpc != RPCVersion {
		return &ValidationResult{
			OK:      false,
			Message: fmt.Sprintf("rpc v%d is incompatible", rpc),
			Issues:  []string{fmt.Sprintf("gateway speaks rpc v%d, controller speaks v%d", rpc, RPCVersion)},
			Fixes:   []string{"Run matching controller and gateway releases"},
		}
	}
	return &ValidationResult{OK: true, Message: fmt.Sprintf("rpc v%d is compatible", rpc)}
}

// CheckGatewayHealth combines the version and rpc checks.
func CheckGatewayHealth(version string, rpc int) *ValidationResult {
	result := &ValidationResult{OK: true}
	var messages []string

	for _, check := range []*ValidationResult{ValidateGatewayVersion(version), ValidateRPCVersion(rpc)} {
		if !check.OK {
			result.OK = false
		}
		result.Issues = append(result.Issues, check.Issues...)
		result.Warnings = append(result.Warnings, check.Warnings...)
		result.Fixes = append(result.Fixes, check.Fixes...)
		messages = append(messages, check.Message)
	}

	if result.OK {
		result.Message = "gateway health check passed: " + strings.Join(messages, " | ")
	} else {
		result.Message = "gateway health check FAILED: " + strings.Join(messages, " | ")
	}
	return result
}

// SuggestedFixes returns troubleshooting steps for a gateway request failure.
func SuggestedFixes(errorCode int, errorMsg string) []string {
	var fixes []string

	switch errorCode {
	case 204:
		fixes = append(fixes,
			"Gateway rejected the request type (code 204)",
			"  1. Check controller and gateway versions match",
			"  2. Restart the gateway after upgrading")
	case 408, 504:
		fixes = append(fixes,
			fmt.Sprintf("Camera did not answer in time (code %d)", errorCode),
			"  1. Check the camera is powered and within radio range",
			"  2. Wake the camera from its screen-off state",
			"  3. Re-pair if the camera was paired with another controller")
	case 503:
		fixes = append(fixes,
			"Radio adapter unavailable (code 503)",
			"  1. Check the Bluetooth adapter is present (hciconfig / bluetoothctl)",
			"  2. Make sure no other process holds the adapter")
	default:
		if strings.Contains(errorMsg, "not connected") {
			fixes = append(fixes,
				"Cannot reach the radio gateway",
				"  1. Check the gateway service is running",
				"  2. Check gateway.url in the config")
		} else {
			fixes = append(fixes, fmt.Sprintf("Error: %s", errorMsg))
		}
	}
	return fixes
}
