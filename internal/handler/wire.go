package handler

import (
	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for the ConnectRPC service
// handlers.
var ProviderSet = wire.NewSet(NewWorkerService, NewTaskService, NewFleetService)
