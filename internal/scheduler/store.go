package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/calderlabs/overseer/pkg/models"
)

// Store persists jobs and skills as one JSON file per item under the
// state directory. Writes go through a temp file and rename so a crash
// mid-write never leaves a truncated item behind.
type Store struct {
	jobsDir   string
	skillsDir string
	logger    *slog.Logger

	mu sync.Mutex
}

// NewStore binds the store to <stateDir>/jobs and <stateDir>/skills.
// The directories are expected to exist (config.EnsureStateDirs).
func NewStore(stateDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobsDir:   filepath.Join(stateDir, "jobs"),
		skillsDir: filepath.Join(stateDir, "skills"),
		logger:    logger.With("component", "scheduler-store"),
	}
}

// LoadJobs reads every job file, skipping unreadable or corrupt ones.
func (s *Store) LoadJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.loadDir(s.jobsDir, func(data []byte, path string) error {
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.ID == "" {
			return fmt.Errorf("job in %s has no id", path)
		}
		jobs = append(jobs, &job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// LoadSkills reads every skill file, skipping unreadable or corrupt ones.
func (s *Store) LoadSkills() ([]*models.Skill, error) {
	var skills []*models.Skill
	err := s.loadDir(s.skillsDir, func(data []byte, path string) error {
		var skill models.Skill
		if err := json.Unmarshal(data, &skill); err != nil {
			return err
		}
		if skill.ID == "" {
			return fmt.Errorf("skill in %s has no id", path)
		}
		skills = append(skills, &skill)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })
	return skills, nil
}

// SaveJob writes the job back to its file.
func (s *Store) SaveJob(job *models.Job) error {
	return s.writeItem(s.jobsDir, job.ID, job)
}

// SaveSkill writes the skill back to its file.
func (s *Store) SaveSkill(skill *models.Skill) error {
	return s.writeItem(s.skillsDir, skill.ID, skill)
}

func (s *Store) loadDir(dir string, decode func(data []byte, path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("scheduler item unreadable, skipping", "path", path, "error", err)
			continue
		}
		if err := decode(data, path); err != nil {
			s.logger.Warn("scheduler item corrupt, skipping", "path", path, "error", err)
		}
	}
	return nil
}

func (s *Store) writeItem(dir, id string, item any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", id, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", id, err)
	}

	final := filepath.Join(dir, id+".json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", id, err)
	}
	return nil
}
