package mock

//go:generate mockgen -destination=backend.mock.go -package=mock github.com/libopenstorage/securestore SecureBackend
