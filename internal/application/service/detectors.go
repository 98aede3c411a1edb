package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
)

// DefaultDetectors returns the built-in detectors with their stock thresholds.
func DefaultDetectors() []domainService.Detector {
	return []domainService.Detector{
		&BruteForceDetector{Window: constants.BruteForceWindow, Threshold: constants.BruteForceThreshold},
		&ExfiltrationDetector{Window: constants.ExfiltrationWindow, Threshold: constants.ExfiltrationThreshold, Critical: constants.ExfiltrationCriticalLimit},
		&PrivilegeEscalationDetector{ElevatedScopes: []string{AdminRole}},
	}
}

// BruteForceDetector flags subjects with more than Threshold failed
// authentications inside Window.
type BruteForceDetector struct {
	Window    time.Duration
	Threshold int
}

func (d *BruteForceDetector) Name() string { return string(constants.ThreatBruteForce) }

func (d *BruteForceDetector) Detect(events []models.SecurityEvent, now time.Time) []*models.Threat {
	since := now.Add(-d.Window)
	failures := make(map[string][]models.SecurityEvent)
	for _, e := range events {
		if e.Kind != constants.SecurityEventAuthAttempt || e.Success || e.SubjectID == "" || e.Timestamp.Before(since) {
			continue
		}
		failures[e.SubjectID] = append(failures[e.SubjectID], e)
	}

	var out []*models.Threat
	for _, subject := range sortedKeys(failures) {
		evs := failures[subject]
		if len(evs) <= d.Threshold {
			continue
		}
		out = append(out, &models.Threat{
			Type:        constants.ThreatBruteForce,
			Severity:    constants.SeverityHigh,
			SourceRef:   subject,
			SubjectID:   subject,
			SourceIP:    dominantIP(evs),
			Description: fmt.Sprintf("%d failed authentication attempts in %s", len(evs), d.Window),
			EventCount:  len(evs),
			DetectedAt:  now,
		})
	}
	return out
}

// ExfiltrationDetector flags subjects reading more than Threshold resources in
// Window. Above Critical the threat is treated as a scope-wide scan.
type ExfiltrationDetector struct {
	Window    time.Duration
	Threshold int
	Critical  int
}

func (d *ExfiltrationDetector) Name() string { return string(constants.ThreatDataExfiltration) }

func (d *ExfiltrationDetector) Detect(events []models.SecurityEvent, now time.Time) []*models.Threat {
	since := now.Add(-d.Window)
	accesses := make(map[string][]models.SecurityEvent)
	for _, e := range events {
		if e.Kind != constants.SecurityEventDataAccess || e.SubjectID == "" || e.Timestamp.Before(since) {
			continue
		}
		accesses[e.SubjectID] = append(accesses[e.SubjectID], e)
	}

	var out []*models.Threat
	for _, subject := range sortedKeys(accesses) {
		evs := accesses[subject]
		if len(evs) <= d.Threshold {
			continue
		}
		t := &models.Threat{
			Type:        constants.ThreatDataExfiltration,
			Severity:    constants.SeverityHigh,
			SourceRef:   subject,
			SubjectID:   subject,
			SourceIP:    dominantIP(evs),
			Description: fmt.Sprintf("%d data access events in %s", len(evs), d.Window),
			EventCount:  len(evs),
			DetectedAt:  now,
		}
		if d.Critical > 0 && len(evs) > d.Critical {
			t.Severity = constants.SeverityCritical
			t.Description = fmt.Sprintf("scope-wide scan: %d data access events in %s", len(evs), d.Window)
		}
		out = append(out, t)
	}
	return out
}

// PrivilegeEscalationDetector flags elevated permission changes for review. A change
// counts when its scope is listed in ElevatedScopes or the event carries
// elevated=true. It never triggers mitigation.
type PrivilegeEscalationDetector struct {
	ElevatedScopes []string
}

func (d *PrivilegeEscalationDetector) Name() string {
	return string(constants.ThreatPrivilegeEscalation)
}

func (d *PrivilegeEscalationDetector) Detect(events []models.SecurityEvent, now time.Time) []*models.Threat {
	elevated := make(map[string]bool, len(d.ElevatedScopes))
	for _, s := range d.ElevatedScopes {
		elevated[s] = true
	}
	changes := make(map[string][]models.SecurityEvent)
	for _, e := range events {
		if e.Kind != constants.SecurityEventPermissionChange || e.SubjectID == "" {
			continue
		}
		if !elevated[e.Scope] && e.Metadata["elevated"] != "true" {
			continue
		}
		key := e.SubjectID + ":" + e.Scope
		changes[key] = append(changes[key], e)
	}

	var out []*models.Threat
	for _, key := range sortedKeys(changes) {
		evs := changes[key]
		last := evs[len(evs)-1]
		out = append(out, &models.Threat{
			Type:        constants.ThreatPrivilegeEscalation,
			Severity:    constants.SeverityMedium,
			SourceRef:   key,
			SubjectID:   last.SubjectID,
			SourceIP:    last.SourceIP,
			Description: fmt.Sprintf("%s granted elevated scope %s", last.SubjectID, last.Scope),
			EventCount:  len(evs),
			DetectedAt:  now,
		})
	}
	return out
}

// dominantIP returns the most frequent non-empty source address, ties going to
// the most recent.
func dominantIP(events []models.SecurityEvent) string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, e := range events {
		if e.SourceIP == "" {
			continue
		}
		counts[e.SourceIP]++
		if n := counts[e.SourceIP]; n >= bestN {
			best, bestN = e.SourceIP, n
		}
	}
	return best
}

func sortedKeys(m map[string][]models.SecurityEvent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
