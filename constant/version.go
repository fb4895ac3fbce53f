package constant

// Version is set at build time with
// -ldflags "-X github.com/mandiear/offline-cache/constant.Version=v1.2.3".
var Version = "dev"
