package handlers

import (
	"github.com/mahoushoujyo-eee/eshell/internal/agent"
	"github.com/mahoushoujyo-eee/eshell/internal/events"
	"github.com/mahoushoujyo-eee/eshell/internal/inventory"
	"github.com/mahoushoujyo-eee/eshell/internal/serverstatus"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
	"github.com/mahoushoujyo-eee/eshell/internal/sshfiles"
	"github.com/mahoushoujyo-eee/eshell/internal/sshterminal"
)

// Services used by the handlers. Set once by main before serving.
var (
	Sessions  *sshterminal.SessionManager
	Exec      *sshexec.Executor
	Files     *sshfiles.Service
	Status    *serverstatus.Collector
	Agent     *agent.Orchestrator
	Hub       *events.Hub
	Auditor   *sshaudit.Auditor
	Inventory inventory.Source
)
