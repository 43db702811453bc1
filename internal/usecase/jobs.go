package usecase

import (
	"encoding/json"
	"fmt"
	"os"

	"refresh-dispatcher/internal/domain"

	"github.com/go-playground/validator/v10"
)

// JobSpec is one entry of the jobs file.
type JobSpec struct {
	SubjectID int64          `json:"subject_id" validate:"gte=0"`
	Payload   map[string]int `json:"payload" validate:"required"`
}

// LoadJobs reads a JSON jobs file and constructs the job descriptors. Any
// malformed entry fails the whole load, so bad jobs are rejected up front
// rather than mid-flight.
func LoadJobs(path, namespace string) ([]domain.JobDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file %s: %w", path, err)
	}

	var specs []JobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}

	validate := validator.New()
	jobs := make([]domain.JobDescriptor, 0, len(specs))
	for i, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("jobs file entry %d: %w", i, err)
		}
		job, err := domain.NewJobDescriptor(namespace, spec.SubjectID, spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("jobs file entry %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
