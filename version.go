package obfs_simple

// Version 由cmd在编译时通过 -ldflags 覆盖.
var Version = "dev"
