package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	grpcsvc "github.com/vladislavdragonenkov/adslots/internal/service/grpc"
)

func TestNewGRPCServer_RegistersAdminAndHealthOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverMemory
	cfg.TokenSecret = "grpc-token-secret"
	cfg.JWTSecret = "grpc-jwt-secret"
	logger := log.WithField("test", "grpc-server")

	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() { _ = deps.closeFn() }()

	svc, err := buildServices(cfg, deps, logger)
	require.NoError(t, err)

	server, _ := newGRPCServer(svc, deps, logger)
	defer server.Stop()

	info := server.GetServiceInfo()
	require.Contains(t, info, grpcsvc.ServiceName)
	require.Contains(t, info, "grpc.health.v1.Health")
	// JSON-кодек не несёт дескрипторов, отдавать их через reflection нечего
	require.NotContains(t, info, "grpc.reflection.v1.ServerReflection")
	require.NotContains(t, info, "grpc.reflection.v1alpha.ServerReflection")
	require.Len(t, info, 2)
}
