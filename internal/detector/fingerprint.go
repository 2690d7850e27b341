package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/sentineliq/sentinel/internal/activity"
)

// Fingerprint hashes the stable identity of an anomaly so that semantically
// identical events deduplicate across the escalation pipeline and across
// restarts. The hash covers who, what kind, the key locators, and the
// quaternary anomaly signature; map-based JSON keeps the key order sorted
// and the digest stable.
func Fingerprint(act activity.Activity) string {
	d := act.Details
	path := d.FilePath
	if len(path) > 100 {
		path = path[:100]
	}
	payload := map[string]any{
		"user_id":       act.UserID,
		"activity_type": string(act.Kind),
		"key_features": map[string]any{
			"file_path":    path,
			"process_name": d.ProcessName,
			"ip_address":   d.IPAddress,
			"device_id":    d.DeviceID,
		},
		"anomaly_signature": map[string]any{
			"large_file": d.SizeMB > 50,
			"sensitive":  d.Sensitive,
			"external":   d.External,
			"off_hours":  d.OffHours,
		},
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
