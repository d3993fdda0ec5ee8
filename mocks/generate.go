package mocks

//go:generate mockgen -destination=./mock_gateway.go -package=mocks signal-pipelinev1/internal/model Gateway
//go:generate mockgen -destination=./mock_session_store.go -package=mocks signal-pipelinev1/internal/model SessionStore
