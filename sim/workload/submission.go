package workload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/edc-sim/edc-sim/sim"
)

// DecodeJob decodes the job description of a dynamic submission. The id
// field is optional.
func DecodeJob(raw []byte) (JobSpec, error) {
	var spec JobSpec
	if err := decodeObject(raw, &spec); err != nil {
		return JobSpec{}, fmt.Errorf("decoding job description: %w", err)
	}
	return spec, nil
}

// DecodeProfile decodes and validates a profile description.
func DecodeProfile(raw []byte) (Profile, error) {
	var p Profile
	if err := decodeObject(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile description: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func decodeObject(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// ParseSubmission builds the job submitted dynamically as jobID from its job
// and profile descriptions. A job description id, when present, must match
// jobID or its name part.
func ParseSubmission(jobID string, jobDesc, profileDesc []byte) (*sim.Job, error) {
	_, name, ok := sim.SplitJobID(jobID)
	if !ok {
		return nil, fmt.Errorf("job id %q is not of the form workload!name", jobID)
	}
	spec, err := DecodeJob(jobDesc)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobID, err)
	}
	switch spec.ID {
	case "":
		spec.ID = JobName(name)
	case JobName(name), JobName(jobID):
		spec.ID = JobName(name)
	default:
		return nil, fmt.Errorf("job %q: description has id %q", jobID, spec.ID)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p, err := DecodeProfile(profileDesc)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobID, err)
	}
	return NewJob(jobID, spec, p)
}
