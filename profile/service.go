package profile

import (
	"log"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/view"
)

// An Ensurer is given the chance to make a blob locally available before a
// view is built, typically by restoring it from backup. Returning an error
// means the blob could not be produced; the build proceeds without it and
// the gap is reported.
type Ensurer interface {
	EnsureLocal(sha256 string) error
}

// Service implements the use/back protocol: stack mutation, view rebuild,
// and activation, in that order. It is the only writer of runtime.json.
type Service struct {
	ly      *layout.Layout
	packs   *pack.Repo
	repo    *Repo
	blobs   *blob.Store
	builder *view.Builder
	ensure  Ensurer // may be nil
}

func NewService(ly *layout.Layout, packs *pack.Repo, blobs *blob.Store, ensure Ensurer) *Service {
	return &Service{
		ly:      ly,
		packs:   packs,
		repo:    NewRepo(ly),
		blobs:   blobs,
		builder: view.NewBuilder(ly, blobs),
		ensure:  ensure,
	}
}

// Repo exposes the profile repository the service operates on.
func (s *Service) Repo() *Repo {
	return s.repo
}

// A UseResult reports one Use call.
type UseResult struct {
	Profile string                  // the work profile now active
	Reports map[string]*view.Report // per target
	Gaps    []view.Gap              // blobs available nowhere, per plan
}

// A BackResult reports Back for one target.
type BackResult struct {
	Target        string
	From, To      string
	AlreadyAtBase bool
}

// Use makes the pack win every conflict on the given targets. If no work
// profile for the pack exists one is cloned from the first target's active
// profile with the pack moved last; the work profile is pushed on every
// target's stack and each target's view is rebuilt and activated. Calling
// Use again for the same pack is idempotent.
func (s *Service) Use(packName string, targets []string) (*UseResult, error) {
	if _, err := s.packs.Load(packName); err != nil {
		return nil, err
	}
	rt, err := LoadRuntime(s.ly)
	if err != nil {
		return nil, err
	}
	workName := WorkName(packName)
	work, err := s.repo.Load(workName)
	if err == ErrProfileNotFound {
		base := Global
		if len(targets) > 0 {
			base = rt.Top(targets[0])
		}
		top, err := s.repo.Load(base)
		if err != nil {
			return nil, err
		}
		work = top.Clone(workName)
	} else if err != nil {
		return nil, err
	}
	if work.MovePackLast(packName) {
		if err := s.repo.Save(work); err != nil {
			return nil, err
		}
	} else if !s.repo.Exists(workName) {
		if err := s.repo.Save(work); err != nil {
			return nil, err
		}
	}
	for _, target := range targets {
		rt.Push(target, workName)
	}
	if err := rt.Save(s.ly); err != nil {
		return nil, err
	}

	result := &UseResult{
		Profile: workName,
		Reports: make(map[string]*view.Report),
	}
	cfg, err := s.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		report, gaps, err := s.materialize(target, workName, cfg)
		if err != nil {
			return nil, err
		}
		result.Reports[target] = report
		result.Gaps = append(result.Gaps, gaps...)
	}
	return result, nil
}

// Back pops each target's stack and reactivates the previous profile. A
// target already at the global base reports AlreadyAtBase with From and To
// both global. Work profiles left unreferenced by every stack are deleted.
func (s *Service) Back(targets []string) ([]BackResult, error) {
	rt, err := LoadRuntime(s.ly)
	if err != nil {
		return nil, err
	}
	var results []BackResult
	var popped []string
	for _, target := range targets {
		from, to, ok := rt.Pop(target)
		if !ok {
			results = append(results, BackResult{
				Target:        target,
				From:          Global,
				To:            Global,
				AlreadyAtBase: true,
			})
			continue
		}
		popped = append(popped, from)
		results = append(results, BackResult{Target: target, From: from, To: to})
	}
	if err := rt.Save(s.ly); err != nil {
		return nil, err
	}
	cfg, err := s.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.AlreadyAtBase {
			continue
		}
		if _, _, err := s.materialize(r.Target, r.To, cfg); err != nil {
			return nil, err
		}
	}
	// an ephemeral profile with no stack pointing at it is garbage
	for _, name := range popped {
		if IsWork(name) && !rt.Referenced(name) {
			if err := s.repo.Delete(name); err != nil && err != ErrProfileNotFound {
				log.Printf("back: removing %s: %s", name, err)
			}
		}
	}
	return results, nil
}

// Rebuild recomputes, builds, and activates the view for the target's
// current top of stack. Doctor uses it to converge after partial failures.
func (s *Service) Rebuild(target string) (*view.Report, []view.Gap, error) {
	rt, err := LoadRuntime(s.ly)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.ly.ReadConfig()
	if err != nil {
		return nil, nil, err
	}
	return s.materialize(target, rt.Top(target), cfg)
}

// materialize computes the plan for the profile, gives the ensurer a chance
// to restore missing blobs, builds the view, and activates it.
func (s *Service) materialize(target, profileName string, cfg *layout.Config) (*view.Report, []view.Gap, error) {
	prof, err := s.repo.Load(profileName)
	if err != nil {
		return nil, nil, err
	}
	var pairs []view.PackLock
	for _, name := range prof.Packs {
		p, err := s.packs.Load(name)
		if err == pack.ErrPackNotFound {
			log.Printf("profile %s references missing pack %s", profileName, name)
			continue
		} else if err != nil {
			return nil, nil, err
		}
		lk, err := s.packs.LoadLock(name)
		if err == pack.ErrNoLock {
			lk = pack.NewLock(name)
		} else if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, view.PackLock{Pack: p, Lock: lk})
	}
	plan := view.ComputePlan(target, profileName, cfg.Targets[target].KindPaths, pairs)

	var gaps []view.Gap
	if s.ensure != nil {
		for _, entry := range plan.Entries {
			if s.blobs.Has(entry.SHA256) {
				continue
			}
			if err := s.ensure.EnsureLocal(entry.SHA256); err != nil {
				gaps = append(gaps, view.Gap{
					Pack:   entry.Pack,
					DepID:  entry.DepID,
					Reason: err.Error(),
				})
			}
		}
	}
	report, err := s.builder.Build(plan)
	if err != nil {
		return nil, nil, err
	}
	if err := s.builder.Activate(target, profileName); err != nil {
		return report, gaps, err
	}
	return report, append(gaps, plan.Gaps...), nil
}
