package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kardianos/service"

	"thumbgen/core"
)

// program adapts the foreground run loop to the OS service manager.
type program struct {
	stop chan struct{}
	done chan struct{}
	code int
}

// Start is called by the service manager; it must not block.
func (p *program) Start(s service.Service) error {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.code = run(p.stop)
	}()
	return nil
}

// Stop triggers graceful shutdown and waits for it.
func (p *program) Stop(s service.Service) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(90 * time.Second):
		return errors.New("timeout waiting for service to stop")
	}
	// A signal delivered to the process still drained cleanly.
	if p.code != core.ExitCodeSuccess && !core.IsSignalExit(p.code) {
		return fmt.Errorf("service exited with code %d", p.code)
	}
	return nil
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        "thumbgen",
		DisplayName: "Thumbnail Studio",
		Description: "Generates, caches and meters AI thumbnail requests.",
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newService() (service.Service, *program, error) {
	prg := &program{}
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, prg, nil
}

// runAsService hands control to the service manager.
func runAsService() error {
	s, _, err := newService()
	if err != nil {
		return err
	}
	if err := s.Run(); err != nil {
		return fmt.Errorf("service run failed: %w", err)
	}
	return nil
}

// runServiceCommand handles "thumbgen service <command>".
func runServiceCommand(args []string) int {
	if len(args) == 0 {
		printServiceUsage()
		return 2
	}
	s, _, err := newService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch args[0] {
	case "status":
		status, err := s.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get service status: %v\n", err)
			return 1
		}
		switch status {
		case service.StatusRunning:
			fmt.Println("Service is running")
		case service.StatusStopped:
			fmt.Println("Service is stopped")
		default:
			fmt.Println("Service status unknown")
		}
		return 0
	case "help", "-h", "--help":
		printServiceUsage()
		return 0
	case "uninstall", "remove":
		args[0] = "uninstall"
	}

	if err := service.Control(s, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printServiceUsage()
		return 1
	}
	fmt.Printf("Service %s succeeded\n", args[0])
	return 0
}

func printServiceUsage() {
	fmt.Println("Usage: thumbgen service <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  install    Install thumbgen as a system service")
	fmt.Println("  uninstall  Remove the service (alias: remove)")
	fmt.Println("  start      Start the service")
	fmt.Println("  stop       Stop the service")
	fmt.Println("  restart    Restart the service")
	fmt.Println("  status     Show the current service status")
}
