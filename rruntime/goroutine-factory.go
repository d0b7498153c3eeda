package rruntime

import (
	"github.com/frostlabs/frost-archiver/utils/crash"
)

// Go starts the execution of the function passed as argument in a new
// goroutine, routing panics through the configured crash handler.
//
// THING TO NOTE: If the function you are intending to run inside a goroutine
// takes any parameters, before calling this function, create local variables
// for every argument (so that evaluation of the argument happens immediately)
// and then pass those local variables as arguments.
func Go(function func()) {
	go func() {
		defer crash.Notify("Core")()
		function()
	}()
}

// GoRoutineFactory lets libraries spawn goroutines through Go.
var GoRoutineFactory goRoutineFactory

type goRoutineFactory struct{}

func (goRoutineFactory) Go(function func()) {
	Go(function)
}
