package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/skratchdot/open-golang/open"
)

// Navigator moves the visitor somewhere else: an in-app route ("/dashboard")
// or an external page such as the hosted login.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

// BrowserNavigator opens external targets in the system browser.
type BrowserNavigator struct {
	open func(string) error
}

func NewBrowserNavigator() *BrowserNavigator {
	return &BrowserNavigator{open: open.Run}
}

func (b *BrowserNavigator) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.open(target)
}

// RouteNavigator dispatches in-app paths to registered handlers and hands
// everything else to an external navigator.
type RouteNavigator struct {
	external Navigator

	mu     sync.RWMutex
	routes map[string]func()
}

func NewRouteNavigator(external Navigator) *RouteNavigator {
	return &RouteNavigator{external: external, routes: make(map[string]func())}
}

func (n *RouteNavigator) Handle(path string, fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = fn
}

func (n *RouteNavigator) Navigate(ctx context.Context, target string) error {
	if strings.HasPrefix(target, "/") {
		n.mu.RLock()
		fn, ok := n.routes[target]
		n.mu.RUnlock()
		if !ok {
			return fmt.Errorf("navigate: no route registered for %q", target)
		}
		fn()
		return nil
	}
	return n.external.Navigate(ctx, target)
}
