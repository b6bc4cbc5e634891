package version

// Version represents the Major.Minor.Patch version tag
// from GIT, supplied by the Makefile - else 'dev' as a
// default
var Version string = "dev"

// Name is the program name reported by the version command and the HTTP API
const Name = "controlsd"
