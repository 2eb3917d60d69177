package slurm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
)

// FormatTimeLimit renders a duration in Slurm's days-HH:MM:SS form, e.g. 36h -> "01-12:00:00".
// Sub-second precision is discarded.
func FormatTimeLimit(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d-%02d:%02d:%02d", days, hours, minutes, seconds)
}

var slurmMemory = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

const mebibyte = 1024 * 1024

// FormatMemory converts a memory request to a Slurm size string.
// Slurm-native sizes (100M, 4G, 512K, 1T or a bare number of megabytes) are passed through unchanged.
// Anything else is parsed as a Kubernetes-style quantity (e.g. 100Mi, 1.5Gi) and rounded up to whole megabytes.
func FormatMemory(memory string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(memory))
	if slurmMemory.MatchString(m) {
		return m, nil
	}
	q, err := resource.ParseQuantity(strings.TrimSpace(memory))
	if err != nil {
		return "", errors.WithStack(&commonerrors.ErrInvalidArgument{
			Name:    "memory",
			Value:   memory,
			Message: err.Error(),
		})
	}
	if q.Sign() <= 0 {
		return "", errors.WithStack(&commonerrors.ErrInvalidArgument{
			Name:    "memory",
			Value:   memory,
			Message: "memory must be positive",
		})
	}
	mb := int64(math.Ceil(q.AsApproximateFloat64() / mebibyte))
	return fmt.Sprintf("%dM", mb), nil
}

// TimeLimitMinutes converts a days-HH:MM:SS time limit back to whole minutes, rounding any seconds up.
func TimeLimitMinutes(limit string) (int64, error) {
	var days, hours, minutes, seconds int64
	if _, err := fmt.Sscanf(limit, "%d-%d:%d:%d", &days, &hours, &minutes, &seconds); err != nil {
		return 0, errors.WithStack(&commonerrors.ErrInvalidArgument{Name: "time limit", Value: limit, Message: "expected days-HH:MM:SS"})
	}
	total := days*24*60 + hours*60 + minutes
	if seconds > 0 {
		total++
	}
	return total, nil
}

// MemoryMegabytes converts a Slurm size string to whole megabytes, rounding kilobytes up.
func MemoryMegabytes(size string) (int64, error) {
	m := strings.ToUpper(strings.TrimSpace(size))
	if !slurmMemory.MatchString(m) {
		return 0, errors.WithStack(&commonerrors.ErrInvalidArgument{Name: "memory", Value: size, Message: "expected a Slurm size such as 100M"})
	}
	unit := m[len(m)-1]
	digits := m
	if unit < '0' || unit > '9' {
		digits = m[:len(m)-1]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, errors.WithStack(&commonerrors.ErrInvalidArgument{Name: "memory", Value: size, Message: err.Error()})
	}
	switch unit {
	case 'K':
		return (n + 1023) / 1024, nil
	case 'G':
		return n * 1024, nil
	case 'T':
		return n * 1024 * 1024, nil
	default:
		return n, nil
	}
}
