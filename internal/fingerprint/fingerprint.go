// Package fingerprint derives a stable identifier for the machine the
// application runs on. The identifier binds a license activation to one
// device: it must survive restarts yet differ across machines.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// appSalt is mixed into the digest so a BizLens device id cannot be
// correlated with fingerprints other vendors derive from the same hardware.
const appSalt = "bizlens-device-v1"

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	DeviceID    string    `json:"device_id"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Resolver computes and caches the device fingerprint. Hardware probing is
// cheap but noisy in logs, so results are cached for an hour.
type Resolver struct {
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewResolver creates a fingerprint resolver with caching
func NewResolver() *Resolver {
	return &Resolver{
		cacheDuration: 1 * time.Hour,
	}
}

// GetMACAddress retrieves the primary network interface MAC address
func (r *Resolver) GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer the first non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				return mac, nil
			}
		}
	}

	// Fallback: any interface with a MAC address
	for _, iface := range interfaces {
		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				slog.Warn("Using fallback MAC address",
					slog.String("interface", iface.Name),
				)
				return mac, nil
			}
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the normalized machine hostname
func (r *Resolver) GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}

	return hostname, nil
}

// GetCPUID retrieves CPU identification information (OS-specific)
func (r *Resolver) GetCPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return r.getCPUIDWindows()
	case "linux":
		return r.getCPUIDLinux()
	case "darwin":
		return r.getCPUIDDarwin()
	default:
		cpuInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
		slog.Warn("Using fallback CPU ID for unsupported OS",
			slog.String("os", runtime.GOOS),
			slog.String("arch", runtime.GOARCH),
		)
		return cpuInfo, nil
	}
}

// getCPUIDWindows gets CPU information on Windows systems
func (r *Resolver) getCPUIDWindows() (string, error) {
	if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
		// Hash the processor identifier to normalize length
		hash := sha256.Sum256([]byte(procID))
		return hex.EncodeToString(hash[:8]), nil
	}

	cpuInfo := fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// getCPUIDLinux gets CPU information on Linux systems
func (r *Resolver) getCPUIDLinux() (string, error) {
	cpuData, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		lines := strings.Split(string(cpuData), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "model name") ||
				strings.HasPrefix(line, "cpu family") ||
				strings.HasPrefix(line, "processor") {
				hash := sha256.Sum256([]byte(line))
				return hex.EncodeToString(hash[:8]), nil
			}
		}
	}

	cpuInfo := fmt.Sprintf("linux-%s", runtime.GOARCH)
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// getCPUIDDarwin gets CPU information on macOS systems
func (r *Resolver) getCPUIDDarwin() (string, error) {
	cpuInfo := fmt.Sprintf("darwin-%s", runtime.GOARCH)
	if procType := os.Getenv("HOSTTYPE"); procType != "" {
		cpuInfo = fmt.Sprintf("darwin-%s-%s", runtime.GOARCH, procType)
	}

	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// Resolve computes the device fingerprint by combining hardware factors.
// Individual factor failures degrade to placeholders; only when every
// factor fails does the id fall back to a random composite, which is not
// stable across runs and is flagged as degraded.
func (r *Resolver) Resolve() (*DeviceFingerprint, error) {
	r.cacheMutex.RLock()
	if r.cache != nil && time.Now().Before(r.cacheExpiry) {
		cached := *r.cache
		r.cacheMutex.RUnlock()
		return &cached, nil
	}
	r.cacheMutex.RUnlock()

	start := time.Now()

	macAddr, macErr := r.GetMACAddress()
	if macErr != nil {
		macAddr = "unknown-mac"
		slog.Warn("Failed to get MAC address, using fallback",
			slog.String("error", macErr.Error()),
		)
	}

	hostname, hostErr := r.GetHostname()
	if hostErr != nil {
		hostname = "unknown-host"
		slog.Warn("Failed to get hostname, using fallback",
			slog.String("error", hostErr.Error()),
		)
	}

	cpuID, cpuErr := r.GetCPUID()
	if cpuErr != nil {
		cpuID = "unknown-cpu"
		slog.Warn("Failed to get CPU ID, using fallback",
			slog.String("error", cpuErr.Error()),
		)
	}

	degraded := macErr != nil && hostErr != nil && cpuErr != nil

	factors := []string{
		appSalt,
		macAddr,
		hostname,
		cpuID,
		runtime.GOOS,
		runtime.GOARCH,
	}

	if degraded {
		// No stable factor survived: a shared "unknown" id would let every
		// broken machine occupy the same slot, so use a random composite.
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate fallback device id: %w", err)
		}
		factors = append(factors, hex.EncodeToString(nonce), fmt.Sprintf("%d", time.Now().UnixNano()))
		slog.Warn("All fingerprint factors unavailable, device id will not be stable across runs")
	}

	combined := strings.Join(factors, "|")
	hash := sha256.Sum256([]byte(combined))
	deviceID := hex.EncodeToString(hash[:16])

	fp := &DeviceFingerprint{
		DeviceID:    deviceID,
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		Degraded:    degraded,
		GeneratedAt: time.Now(),
	}

	r.cacheMutex.Lock()
	r.cache = fp
	r.cacheExpiry = time.Now().Add(r.cacheDuration)
	r.cacheMutex.Unlock()

	slog.Info("Device fingerprint resolved",
		slog.String("device_id", MaskDeviceID(deviceID)),
		slog.String("hostname", hostname),
		slog.String("os", runtime.GOOS),
		slog.String("platform", runtime.GOARCH),
		slog.Bool("degraded", degraded),
		slog.Duration("generation_time", time.Since(start)),
	)

	return fp, nil
}

// Validate compares the current device fingerprint with a stored device id
func (r *Resolver) Validate(storedDeviceID string) (bool, error) {
	current, err := r.Resolve()
	if err != nil {
		return false, fmt.Errorf("failed to resolve current fingerprint: %w", err)
	}
	return current.DeviceID == storedDeviceID, nil
}

// MaskDeviceID returns a log-safe form of a device id, keeping only the
// first and last four characters.
func MaskDeviceID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}
