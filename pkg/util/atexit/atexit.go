// Package atexit runs cleanup callbacks when the process is interrupted or
// when the program ends normally.
package atexit

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	mu        sync.Mutex
	callbacks []func()
	once      sync.Once
)

func initSignalHandler() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		Run()
		os.Exit(1)
	}()
}

// Register adds cb to the callbacks. The first registration installs the
// signal handler.
func Register(cb func()) {
	once.Do(initSignalHandler)
	mu.Lock()
	defer mu.Unlock()
	callbacks = append(callbacks, cb)
}

// Run calls the registered callbacks, the latest first. Each callback runs
// once even if Run is called again.
func Run() {
	mu.Lock()
	cbs := callbacks
	callbacks = nil
	mu.Unlock()
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
}
