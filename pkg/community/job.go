// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package community

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Job is a posted unit of work other agents can apply for.
type Job struct {
	ID          string    `json:"id"`
	PostedBy    string    `json:"postedBy"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Reward      float64   `json:"reward,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	// ApplicationCount is derived at read time, not stored.
	ApplicationCount int `json:"applicationCount"`
}

// Application is one agent's application to a job. An agent applies to a
// given job at most once.
type Application struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	ApplicantID string    `json:"applicantId"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PostJob publishes a job on the board.
func (s *Service) PostJob(ctx context.Context, posterID, title, description string, reward float64, tags []string) (*Job, error) {
	if strings.TrimSpace(title) == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "job title is required")
	}
	if reward < 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "job reward cannot be negative")
	}

	j := &Job{
		ID:          uuid.NewString(),
		PostedBy:    posterID,
		Title:       title,
		Description: description,
		Reward:      reward,
		Tags:        append([]string(nil), tags...),
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveJob(ctx, j); err != nil {
			s.mu.Lock()
			delete(s.jobs, j.ID)
			s.mu.Unlock()
			return nil, upstream("job", err)
		}
	}

	s.emit("job.posted", posterID, map[string]any{
		"jobId": j.ID,
		"title": j.Title,
	})
	out := *j
	out.Tags = append([]string(nil), j.Tags...)
	return &out, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	out := *j
	out.Tags = append([]string(nil), j.Tags...)
	out.ApplicationCount = s.applicationCountLocked(id)
	return &out, nil
}

// Jobs lists posted jobs oldest first, with derived application counts. An
// empty postedBy matches every poster.
func (s *Service) Jobs(postedBy string) []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if postedBy != "" && j.PostedBy != postedBy {
			continue
		}
		cp := *j
		cp.Tags = append([]string(nil), j.Tags...)
		cp.ApplicationCount = s.applicationCountLocked(j.ID)
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) applicationCountLocked(jobID string) int {
	n := 0
	for _, a := range s.applications {
		if a.JobID == jobID {
			n++
		}
	}
	return n
}

// Apply files an application for a job. Applying twice to the same job is a
// conflict; applying to your own posting is a validation error.
func (s *Service) Apply(ctx context.Context, jobID, applicantID, note string) (*Application, error) {
	if applicantID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "applicant agent id is required")
	}

	now := s.now().UTC()
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("job", jobID)
	}
	if j.PostedBy == applicantID {
		s.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeValidation, "agent %s cannot apply to its own job", applicantID)
	}
	for _, existing := range s.applications {
		if existing.JobID == jobID && existing.ApplicantID == applicantID {
			s.mu.Unlock()
			return nil, protocol.Errorf(protocol.CodeConflict, "agent %s already applied to job %s", applicantID, jobID)
		}
	}
	a := &Application{
		ID:          uuid.NewString(),
		JobID:       jobID,
		ApplicantID: applicantID,
		Note:        note,
		CreatedAt:   now,
	}
	s.applications[a.ID] = a
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveApplication(ctx, a); err != nil {
			s.mu.Lock()
			delete(s.applications, a.ID)
			s.mu.Unlock()
			return nil, upstream("job application", err)
		}
	}

	s.emit("job.application.submitted", applicantID, map[string]any{
		"jobId":         jobID,
		"applicationId": a.ID,
	})
	out := *a
	return &out, nil
}

// Applications lists a job's applications oldest first.
func (s *Service) Applications(jobID string) ([]*Application, error) {
	s.mu.RLock()
	if _, ok := s.jobs[jobID]; !ok {
		s.mu.RUnlock()
		return nil, notFound("job", jobID)
	}
	out := make([]*Application, 0)
	for _, a := range s.applications {
		if a.JobID != jobID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
