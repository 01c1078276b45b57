// Package screen evaluates a user-provided Lua rule script against incoming
// calls before they ring. The script is hot-reloaded on change and any
// failure fails open: a broken rule must never eat a call silently.
package screen

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/wisp-im/wisp/internal/call"
)

// ScriptName is the rule file looked up inside the rules directory. The
// script defines screen(peer, account, media) returning "reject", "silence"
// or anything else to ring normally.
const ScriptName = "screening.lua"

// Engine compiles and runs the screening script.
type Engine struct {
	rulesDir string
	timeout  time.Duration

	mu    sync.RWMutex
	proto *lua.FunctionProto

	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewEngine creates the engine and starts watching the rules directory.
// A missing script is fine; calls ring normally until one appears.
func NewEngine(rulesDir string, timeout time.Duration) (*Engine, error) {
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	e := &Engine{
		rulesDir: rulesDir,
		timeout:  timeout,
		watcher:  watcher,
		closed:   make(chan struct{}),
	}

	if err := e.compile(); err != nil {
		log.Printf("SCREEN: initial compile failed: %v", err)
	}

	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch rules dir: %w", err)
	}
	go e.watchLoop()

	return e, nil
}

func (e *Engine) Close() {
	select {
	case <-e.closed:
		return
	default:
		close(e.closed)
	}
	_ = e.watcher.Close()
}

func (e *Engine) scriptPath() string {
	return filepath.Join(e.rulesDir, ScriptName)
}

func (e *Engine) compile() error {
	data, err := os.ReadFile(e.scriptPath())
	if err != nil {
		if os.IsNotExist(err) {
			e.setProto(nil)
			return nil
		}
		return err
	}

	chunk, err := parse.Parse(strings.NewReader(string(data)), ScriptName)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, ScriptName)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	e.setProto(proto)
	log.Printf("SCREEN: compiled %s", ScriptName)
	return nil
}

func (e *Engine) setProto(p *lua.FunctionProto) {
	e.mu.Lock()
	e.proto = p
	e.mu.Unlock()
}

func (e *Engine) watchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ScriptName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := e.compile(); err != nil {
					log.Printf("SCREEN: hot reload failed: %v", err)
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				e.setProto(nil)
				log.Printf("SCREEN: rules removed, all calls ring")
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("SCREEN: watcher error: %v", err)
		}
	}
}

// Verdict runs the screening script against one incoming call. It satisfies
// the controller's ScreenFunc contract.
func (e *Engine) Verdict(accountID, peer string, media []call.MediaKind) call.Verdict {
	e.mu.RLock()
	proto := e.proto
	e.mu.RUnlock()
	if proto == nil {
		return call.VerdictRing
	}

	result, err := e.run(proto, accountID, peer, media)
	if err != nil {
		log.Printf("SCREEN: %v (call rings)", err)
		return call.VerdictRing
	}

	switch call.Verdict(result) {
	case call.VerdictReject:
		return call.VerdictReject
	case call.VerdictSilence:
		return call.VerdictSilence
	default:
		return call.VerdictRing
	}
}

func (e *Engine) run(proto *lua.FunctionProto, accountID, peer string, media []call.MediaKind) (string, error) {
	L := lua.NewState()

	var closeOnce sync.Once
	closeL := func() { closeOnce.Do(func() { L.Close() }) }
	defer closeL()

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}

	screenFn := L.GetGlobal("screen")
	if screenFn == lua.LNil {
		return "", fmt.Errorf("script has no screen() function")
	}

	mediaTbl := L.NewTable()
	for _, m := range media {
		mediaTbl.Append(lua.LString(string(m)))
	}

	// Run in goroutine so a misbehaving script can be abandoned on timeout.
	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("script panic: %v", r)}
			}
		}()

		if err := L.CallByParam(lua.P{
			Fn:      screenFn,
			NRet:    1,
			Protect: true,
		}, lua.LString(peer), lua.LString(accountID), mediaTbl); err != nil {
			ch <- result{err: err}
			return
		}
		ret := L.Get(-1)
		L.Pop(1)
		if ret == lua.LNil {
			ch <- result{val: ""}
		} else {
			ch <- result{val: ret.String()}
		}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(e.timeout):
		closeL()
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
		}
		return "", fmt.Errorf("script timed out")
	}
}
