package task

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"DistCommit/internal/config"
	"DistCommit/internal/storage"
)

// WorkDirName is the attempt scratch directory resolved under the local dirs.
const WorkDirName = "work"

func (a *Attempt) configure(spec Spec, conf *config.Conf) error {
	if err := a.loadCredentials(); err != nil {
		return a.initError("credentials", err)
	}

	if len(spec.WorkDirs) > 0 {
		conf.SetStrings(config.LocalDirs, spec.WorkDirs)
		conf.SetStrings(config.ClusterLocalDir, spec.WorkDirs)
	}

	resourceDir := spec.LocalResourceDir
	if resourceDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return a.initError("configure", fmt.Errorf("failed to get working directory: %w", err))
		}
		resourceDir = wd
	}
	conf.Set(config.TaskLocalResourceDir, resourceDir)

	if err := a.configureLocalDirs(conf); err != nil {
		return a.initError("localDirs", err)
	}

	if v, ok := conf.Lookup(config.DAGCredentialsBinary); ok {
		conf.Set(config.CredentialsBinary, v)
	}

	if err := localizeCache(conf, resourceDir, config.CacheArchives, config.CacheLocalArchives); err != nil {
		return a.initError("cache", err)
	}
	if err := localizeCache(conf, resourceDir, config.CacheFiles, config.CacheLocalFiles); err != nil {
		return a.initError("cache", err)
	}
	return nil
}

func (a *Attempt) loadCredentials() error {
	if a.opts.Credentials == nil {
		a.log.Warn("No job token set")
		return nil
	}
	token, err := a.opts.Credentials.JobToken()
	if err != nil {
		return err
	}
	if len(token) == 0 {
		a.log.Warn("No job token set")
		return nil
	}
	a.secret = token
	return nil
}

func (a *Attempt) configureLocalDirs(conf *config.Conf) error {
	dirs := conf.GetStrings(config.LocalDirs)
	alloc := storage.NewDirAllocator(a.fs, dirs)

	work, err := alloc.ResolveDir(WorkDirName)
	if err != nil {
		return err
	}
	conf.Set(config.JobLocalDir, work)
	a.log.Debug("Resolved scratch directory: attempt=%s dir=%s", a.id, work)
	return nil
}

// localizeCache rewrites cache URIs to where the runtime linked them: the URI
// fragment when one is set, the base name of the path otherwise.
func localizeCache(conf *config.Conf, resourceDir, from, to string) error {
	uris := conf.GetStrings(from)
	if len(uris) == 0 {
		return nil
	}
	local := make([]string, 0, len(uris))
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid cache uri %q: %w", raw, err)
		}
		name := u.Fragment
		if name == "" {
			name = path.Base(u.Path)
		}
		local = append(local, filepath.Join(resourceDir, name))
	}
	conf.SetStrings(to, local)
	return nil
}

func (a *Attempt) localizeConfiguration() {
	a.conf.Set(config.TaskID, a.id.Task.String())
	a.conf.Set(config.TaskAttemptID, a.id.String())
	a.conf.Set(config.TaskPartition, strconv.Itoa(a.id.Task.Index))
	a.conf.Set(config.JobID, a.id.Task.Job.String())
}
