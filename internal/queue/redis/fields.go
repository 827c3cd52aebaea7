package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

func jobFromFields(fields map[string]string) (fleet.Job, error) {
	job := fleet.Job{
		ID:        fields["id"],
		Status:    fleet.JobStatus(fields["status"]),
		ErrorText: fields["error_text"],
	}
	if raw := fields["target"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Target); err != nil {
			return fleet.Job{}, fmt.Errorf("decode target: %w", err)
		}
	}
	var err error
	if job.AttemptCount, err = intField(fields, "attempt_count"); err != nil {
		return fleet.Job{}, err
	}
	if job.MaxAttempts, err = intField(fields, "max_attempts"); err != nil {
		return fleet.Job{}, err
	}
	if created, err := msField(fields, "created_at"); err != nil {
		return fleet.Job{}, err
	} else if created != nil {
		job.CreatedAt = *created
	}
	job.LeaseOwner = fields["lease_owner"]
	if job.LeaseExpiresAt, err = msField(fields, "lease_expires_at"); err != nil {
		return fleet.Job{}, err
	}
	if raw := fields["progress"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Progress); err != nil {
			return fleet.Job{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	if raw := fields["result"]; raw != "" {
		var result fleet.Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return fleet.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}

func msField(fields map[string]string, name string) (*time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
