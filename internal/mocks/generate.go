// Package mocks provides gomock implementations of the service's seams.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	prov := mocks.NewMockProvider(ctrl)
//	prov.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(p, nil)
package mocks

// Provider: Generate
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=provider_mock.go github.com/plangate/plangate/internal/provider Provider

// Queue: Enqueue, Receive
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=queue_mock.go github.com/plangate/plangate/internal/queue Queue

// Store: Put, Get
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=store_mock.go github.com/plangate/plangate/internal/job Store
