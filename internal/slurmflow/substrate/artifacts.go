package substrate

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ArtifactSink records human readable artifacts against the current run, e.g. the script of a submitted job.
type ArtifactSink interface {
	CreateMarkdownArtifact(ctx context.Context, key string, markdown string) error
}

// LogArtifactSink writes artifacts to the log.
type LogArtifactSink struct{}

func (LogArtifactSink) CreateMarkdownArtifact(ctx context.Context, key string, markdown string) error {
	logger := log.WithField("artifact", key)
	if inv, ok := InvocationFrom(ctx); ok {
		logger = logger.WithField("runId", inv.RunId)
	}
	logger.Info(markdown)
	return nil
}

type Artifact struct {
	Key      string
	RunId    string
	Markdown string
}

// MemoryArtifactSink keeps artifacts in memory.
type MemoryArtifactSink struct {
	mu        sync.Mutex
	artifacts []Artifact
}

func (s *MemoryArtifactSink) CreateMarkdownArtifact(ctx context.Context, key string, markdown string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, _ := InvocationFrom(ctx)
	s.artifacts = append(s.artifacts, Artifact{Key: key, RunId: inv.RunId, Markdown: markdown})
	return nil
}

func (s *MemoryArtifactSink) Artifacts() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Artifact(nil), s.artifacts...)
}
