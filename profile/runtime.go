package profile

import (
	"os"

	"github.com/packdepot/depot/layout"
)

// Runtime is the persisted per-target profile stacks (runtime.json). A
// missing entry for a target means its stack is just the global profile.
// The stack is stored bottom first; the last element is the active profile.
type Runtime struct {
	Targets map[string][]string
}

// LoadRuntime reads runtime.json. A missing file is an empty runtime.
func LoadRuntime(ly *layout.Layout) (*Runtime, error) {
	var rt Runtime
	err := layout.ReadJSON(ly.RuntimeFile(), &rt)
	if os.IsNotExist(err) {
		err = nil
	}
	if rt.Targets == nil {
		rt.Targets = make(map[string][]string)
	}
	return &rt, err
}

// Save writes runtime.json atomically.
func (rt *Runtime) Save(ly *layout.Layout) error {
	return layout.WriteJSON(ly.RuntimeFile(), rt)
}

// Stack returns the target's profile stack. It is never empty; the base is
// always global.
func (rt *Runtime) Stack(target string) []string {
	s := rt.Targets[target]
	if len(s) == 0 || s[0] != Global {
		s = append([]string{Global}, s...)
	}
	return s
}

// Top returns the active profile for the target.
func (rt *Runtime) Top(target string) string {
	s := rt.Stack(target)
	return s[len(s)-1]
}

// Push makes profile the active one for the target. Pushing the profile
// already on top is a no-op.
func (rt *Runtime) Push(target, profile string) {
	s := rt.Stack(target)
	if s[len(s)-1] == profile {
		rt.Targets[target] = s
		return
	}
	rt.Targets[target] = append(s, profile)
}

// Pop removes the top of the target's stack and returns the popped name
// and the new top. The global base is never popped; in that case popped is
// empty and ok is false.
func (rt *Runtime) Pop(target string) (popped, top string, ok bool) {
	s := rt.Stack(target)
	if len(s) == 1 {
		return "", Global, false
	}
	popped = s[len(s)-1]
	s = s[:len(s)-1]
	rt.Targets[target] = s
	return popped, s[len(s)-1], true
}

// Referenced reports whether any target's stack contains the profile.
func (rt *Runtime) Referenced(profile string) bool {
	for target := range rt.Targets {
		for _, name := range rt.Stack(target) {
			if name == profile {
				return true
			}
		}
	}
	return false
}
