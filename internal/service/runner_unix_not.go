//go:build !unix

package service

import "os/exec"

// killGroup keeps the default cancellation, which kills the program only.
// WaitDelay still bounds how long descendants can hold the pipes open.
func killGroup(*exec.Cmd) {}
