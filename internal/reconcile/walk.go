package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/ignore"
)

const (
	dirPerms      = 0o755
	filePerms     = 0o644
	partialPrefix = ".blogsync-*.partial"
)

// pair is one name within a directory as seen from both sides. Either side
// may be nil.
type pair struct {
	key        string
	localPath  string
	remotePath string
	local      *DirEntry
	remote     *DirEntry
}

func (pr *pair) src(dir Direction) *DirEntry {
	if dir == LocalToRemote {
		return pr.local
	}

	return pr.remote
}

func (pr *pair) dst(dir Direction) *DirEntry {
	if dir == LocalToRemote {
		return pr.remote
	}

	return pr.local
}

// dstPath is where the destination copy of this entry lives.
func (pr *pair) dstPath(dir Direction) string {
	if dir == LocalToRemote {
		return pr.remotePath
	}

	return pr.localPath
}

func (r *Reconciler) walkRoot(ctx context.Context, p *pass) error {
	return r.walk(ctx, p, "/", p.root.Path, true)
}

// walk reconciles one directory level and recurses. It returns an error only
// when the whole pass must stop: abort, context cancellation, or a failure
// listing the root.
func (r *Reconciler) walk(ctx context.Context, p *pass, localDir, remoteDir string, isRoot bool) error {
	if err := p.sig.Err(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	pairs, err := r.listLevel(ctx, p, localDir, remoteDir, isRoot)
	if err != nil {
		return err
	}

	if pairs == nil {
		return nil
	}

	// Deletions come from this level's starting snapshot.
	srcKeys := mapset.NewThreadUnsafeSet[string]()
	dstKeys := mapset.NewThreadUnsafeSet[string]()

	for key, pr := range pairs {
		if pr.src(p.dir) != nil {
			srcKeys.Add(key)
		}

		if pr.dst(p.dir) != nil {
			dstKeys.Add(key)
		}
	}

	stale := dstKeys.Difference(srcKeys).ToSlice()
	sort.Strings(stale)

	for _, key := range stale {
		if err := p.sig.Err(); err != nil {
			return err
		}

		pr := pairs[key]
		r.deleteDst(ctx, p, pr.dstPath(p.dir), pr.localPath)
	}

	var files, dirs []*pair

	for _, key := range sortedKeys(srcKeys) {
		pr := pairs[key]
		if pr.src(p.dir).IsDir {
			dirs = append(dirs, pr)
		} else {
			files = append(files, pr)
		}
	}

	r.transferFiles(ctx, p, files)

	for _, pr := range dirs {
		if err := p.sig.Err(); err != nil {
			return err
		}

		if !r.ensureDir(ctx, p, pr) {
			continue
		}

		if err := r.walk(ctx, p, pr.localPath, pr.remotePath, false); err != nil {
			return err
		}
	}

	return p.sig.Err()
}

// listLevel lists both sides of a level concurrently and pairs entries by
// normalized name. A nil map with nil error means the level was skipped
// after a recorded failure.
func (r *Reconciler) listLevel(
	ctx context.Context, p *pass, localDir, remoteDir string, isRoot bool,
) (map[string]*pair, error) {
	var (
		local, remote       []DirEntry
		localErr, remoteErr error
		g                   errgroup.Group
	)

	g.Go(func() error {
		local, localErr = r.listLocal(localDir)
		return nil
	})

	g.Go(func() error {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
		defer cancel()

		remote, remoteErr = r.cfg.Client.ListChildren(lctx, remoteDir)

		return nil
	})

	_ = g.Wait()

	if isRoot {
		var err error

		local, remote, err = r.handleRootListing(ctx, p, local, remote, localErr, remoteErr)
		if err != nil {
			return nil, err
		}
	} else {
		if localErr != nil {
			p.report.fail(localDir, OpList, localErr)
			p.logger.Warn("listing local directory", slog.String("path", localDir), slog.String("error", localErr.Error()))

			return nil, nil
		}

		if remoteErr != nil {
			p.report.fail(remoteDir, OpList, remoteErr)
			p.logger.Warn("listing remote directory", slog.String("path", remoteDir), slog.String("error", remoteErr.Error()))

			return nil, nil
		}
	}

	pairs := make(map[string]*pair, len(local)+len(remote))

	get := func(name string) *pair {
		key := norm.NFC.String(name)

		pr, ok := pairs[key]
		if !ok {
			pr = &pair{
				key:        key,
				localPath:  path.Join(localDir, name),
				remotePath: path.Join(remoteDir, name),
			}
			pairs[key] = pr
		}

		return pr
	}

	for i := range local {
		e := &local[i]
		if r.ignored(path.Join(localDir, e.Name), e) {
			continue
		}

		pr := get(e.Name)
		pr.local = e
		pr.localPath = path.Join(localDir, e.Name)
	}

	for i := range remote {
		e := &remote[i]
		if r.ignored(path.Join(localDir, e.Name), e) {
			continue
		}

		pr := get(e.Name)
		pr.remote = e
		pr.remotePath = path.Join(remoteDir, e.Name)
	}

	return pairs, nil
}

// handleRootListing applies root-level rules: a missing destination root
// is created, any other listing failure ends the pass.
func (r *Reconciler) handleRootListing(
	ctx context.Context, p *pass, local, remote []DirEntry, localErr, remoteErr error,
) ([]DirEntry, []DirEntry, error) {
	if localErr != nil {
		if p.dir != RemoteToLocal || !errors.Is(localErr, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("reconcile: listing local root: %w", localErr)
		}

		if err := r.cfg.Local.MkdirAll("/", dirPerms); err != nil {
			return nil, nil, fmt.Errorf("reconcile: creating local root: %w", err)
		}

		local = nil
	}

	if remoteErr != nil {
		if p.dir != LocalToRemote || !errors.Is(remoteErr, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("reconcile: listing remote root %s: %w", p.root.Path, remoteErr)
		}

		cctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
		defer cancel()

		if err := r.cfg.Client.CreateDirectory(cctx, p.root.Path); err != nil {
			return nil, nil, fmt.Errorf("reconcile: creating remote root %s: %w", p.root.Path, err)
		}

		p.report.add(&p.report.DirsCreated, 0)

		remote = nil
	}

	return local, remote, nil
}

func (r *Reconciler) listLocal(dir string) ([]DirEntry, error) {
	infos, err := afero.ReadDir(r.cfg.Local, dir)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(infos))

	for _, info := range infos {
		if !info.IsDir() && !info.Mode().IsRegular() {
			// Symlinks, sockets and devices are never mirrored.
			continue
		}

		out = append(out, DirEntry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return out, nil
}

func (r *Reconciler) ignored(rel string, e *DirEntry) bool {
	return ignore.ShouldIgnore(e.Name) || r.cfg.Ignore.ShouldIgnore(rel, e.IsDir)
}

// transferFiles brings every source file at one level to the destination,
// with bounded concurrency. No transfer starts once the signal is set.
func (r *Reconciler) transferFiles(ctx context.Context, p *pass, files []*pair) {
	var g errgroup.Group

	g.SetLimit(r.cfg.Concurrency)

	for _, pr := range files {
		if p.sig.Aborted() {
			break
		}

		g.Go(func() error {
			if p.sig.Aborted() {
				return nil
			}

			if p.dir == LocalToRemote {
				r.pushFile(ctx, p, pr)
			} else {
				r.pullFile(ctx, p, pr)
			}

			return nil
		})
	}

	_ = g.Wait()
}

func (r *Reconciler) pushFile(ctx context.Context, p *pass, pr *pair) {
	if pr.remote != nil && pr.remote.IsDir {
		if !r.deleteDst(ctx, p, pr.remotePath, pr.localPath) {
			return
		}

		pr.remote = nil
	}

	if pr.remote != nil && r.sameContent(p, pr) {
		p.report.add(&p.report.Identical, 0)
		return
	}

	if err := r.upload(ctx, pr); err != nil {
		p.report.fail(pr.localPath, OpUpload, err)
		p.logger.Warn("upload failed", slog.String("path", pr.localPath), slog.String("error", err.Error()))

		return
	}

	p.report.add(&p.report.Uploads, pr.local.Size)
	p.logger.Debug("uploaded", slog.String("path", pr.localPath), slog.String("size", humanize.Bytes(uint64(pr.local.Size))))
}

func (r *Reconciler) upload(ctx context.Context, pr *pair) error {
	f, err := r.cfg.Local.Open(pr.localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", pr.localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", pr.localPath, err)
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
	defer cancel()

	return r.cfg.Client.Upload(tctx, pr.remotePath, f, info.Size(), info.ModTime())
}

func (r *Reconciler) pullFile(ctx context.Context, p *pass, pr *pair) {
	if pr.local != nil && pr.local.IsDir {
		if !r.deleteDst(ctx, p, pr.localPath, pr.localPath) {
			return
		}

		pr.local = nil
	}

	if deny, reason := r.cfg.Policy.placeholder(pr.remote.Name, pr.remote.Size); deny {
		r.placeholder(ctx, p, pr, reason)
		return
	}

	if pr.local != nil && r.sameContent(p, pr) {
		p.report.add(&p.report.Identical, 0)
		return
	}

	if err := r.download(ctx, pr); err != nil {
		p.report.fail(pr.localPath, OpDownload, err)
		p.logger.Warn("download failed", slog.String("path", pr.localPath), slog.String("error", err.Error()))

		return
	}

	p.report.add(&p.report.Downloads, pr.remote.Size)
	p.logger.Debug("downloaded", slog.String("path", pr.localPath), slog.String("size", humanize.Bytes(uint64(pr.remote.Size))))
	r.notify(ctx, p, pr.localPath)
}

// download streams the remote file into a temporary sibling, verifies its
// fingerprint, and renames it into place.
func (r *Reconciler) download(ctx context.Context, pr *pair) error {
	tmp, err := afero.TempFile(r.cfg.Local, path.Dir(pr.localPath), partialPrefix)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	tmpName := tmp.Name()
	h := r.cfg.Client.Fingerprinter()()

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
	meta, err := r.cfg.Client.Download(tctx, pr.remotePath, io.MultiWriter(tmp, h))

	cancel()

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = r.cfg.Local.Remove(tmpName)
		return err
	}

	want := meta.Fingerprint
	if want == "" {
		want = pr.remote.Fingerprint
	}

	if got := hex.EncodeToString(h.Sum(nil)); want != "" && got != want {
		_ = r.cfg.Local.Remove(tmpName)
		return fmt.Errorf("content hash mismatch for %s: got %s, want %s", pr.remotePath, got, want)
	}

	if err := r.cfg.Local.Rename(tmpName, pr.localPath); err != nil {
		_ = r.cfg.Local.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if err := r.cfg.Local.Chmod(pr.localPath, filePerms); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	modTime := meta.ModTime
	if modTime.IsZero() {
		modTime = pr.remote.ModTime
	}

	r.setModTime(pr.localPath, modTime)

	return nil
}

// placeholder materializes a remote file that policy keeps off local disk
// as an empty file carrying the remote modification time.
func (r *Reconciler) placeholder(ctx context.Context, p *pass, pr *pair, reason string) {
	if pr.local != nil && pr.local.Size == 0 {
		if !pr.local.ModTime.Equal(pr.remote.ModTime) {
			r.setModTime(pr.localPath, pr.remote.ModTime)
		}

		p.report.add(&p.report.Identical, 0)

		return
	}

	if err := afero.WriteFile(r.cfg.Local, pr.localPath, nil, filePerms); err != nil {
		p.report.fail(pr.localPath, OpPlaceholder, err)
		return
	}

	r.setModTime(pr.localPath, pr.remote.ModTime)
	p.report.add(&p.report.Placeholders, 0)
	p.logger.Info("created placeholder",
		slog.String("path", pr.localPath),
		slog.String("reason", reason),
		slog.String("remote_size", humanize.Bytes(uint64(max(pr.remote.Size, 0)))),
	)
	r.notify(ctx, p, pr.localPath)
}

func (r *Reconciler) setModTime(localPath string, t time.Time) {
	if t.IsZero() {
		return
	}

	if err := r.cfg.Local.Chtimes(localPath, t, t); err != nil {
		r.cfg.Logger.Debug("setting modification time",
			slog.String("path", localPath), slog.String("error", err.Error()))
	}
}

// sameContent compares a file present on both sides. Size is checked first
// so most changed files are detected without hashing.
func (r *Reconciler) sameContent(p *pass, pr *pair) bool {
	if pr.remote.Fingerprint == "" || pr.local.Size != pr.remote.Size {
		return false
	}

	fp, err := fingerprint.FileWith(r.cfg.Local, pr.localPath, r.cfg.Client.Fingerprinter())
	if err != nil {
		p.logger.Debug("hashing local file", slog.String("path", pr.localPath), slog.String("error", err.Error()))
		return false
	}

	return fp == pr.remote.Fingerprint
}

// ensureDir makes the destination of a source directory a directory,
// replacing a conflicting file. It reports whether recursion can proceed.
func (r *Reconciler) ensureDir(ctx context.Context, p *pass, pr *pair) bool {
	dst := pr.dst(p.dir)
	if dst != nil && dst.IsDir {
		return true
	}

	if dst != nil && !r.deleteDst(ctx, p, pr.dstPath(p.dir), pr.localPath) {
		return false
	}

	var err error

	if p.dir == LocalToRemote {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
		err = r.cfg.Client.CreateDirectory(cctx, pr.remotePath)

		cancel()
	} else {
		err = r.cfg.Local.MkdirAll(pr.localPath, dirPerms)
	}

	if err != nil {
		p.report.fail(pr.localPath, OpMkdir, err)
		p.logger.Warn("creating directory", slog.String("path", pr.localPath), slog.String("error", err.Error()))

		return false
	}

	p.report.add(&p.report.DirsCreated, 0)

	if p.dir == RemoteToLocal {
		r.notify(ctx, p, pr.localPath)
	}

	return true
}

// deleteDst removes a destination node (recursively for directories).
func (r *Reconciler) deleteDst(ctx context.Context, p *pass, dstPath, localPath string) bool {
	var err error

	if p.dir == LocalToRemote {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
		err = r.cfg.Client.Delete(dctx, dstPath)

		cancel()
	} else {
		err = r.cfg.Local.RemoveAll(dstPath)
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	}

	if err != nil {
		p.report.fail(localPath, OpDelete, err)
		p.logger.Warn("delete failed", slog.String("path", dstPath), slog.String("error", err.Error()))

		return false
	}

	p.report.add(&p.report.Deletes, 0)
	p.logger.Debug("deleted", slog.String("path", dstPath))

	if p.dir == RemoteToLocal {
		r.notify(ctx, p, localPath)
	}

	return true
}

func (r *Reconciler) notify(ctx context.Context, p *pass, localPath string) {
	if r.cfg.Notify == nil {
		return
	}

	if err := r.cfg.Notify(ctx, localPath); err != nil {
		p.report.fail(localPath, OpNotify, err)
		p.logger.Warn("local change notification failed",
			slog.String("path", localPath), slog.String("error", err.Error()))
	}
}

func sortedKeys(s mapset.Set[string]) []string {
	keys := s.ToSlice()
	sort.Strings(keys)

	return keys
}
