package service

import (
	"go.uber.org/zap"

	"trust-service/internal/config"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps      Dependencies
	settings  Settings
	logger    *zap.Logger
	opts      []ServiceOption
	assistant *AssistantService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(cfg *config.Config, deps Dependencies, logger *zap.Logger, opts ...ServiceOption) *ServiceFactory {
	return &ServiceFactory{
		deps:     deps,
		settings: SettingsFromConfig(cfg),
		logger:   logger,
		opts:     opts,
	}
}

// AssistantService returns the assistant service instance (singleton)
func (f *ServiceFactory) AssistantService() *AssistantService {
	if f.assistant == nil {
		f.assistant = NewAssistantService(f.deps, f.settings, f.logger.Named("assistant"), f.opts...)
	}
	return f.assistant
}
