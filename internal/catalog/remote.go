/*
 * relic: deduplicating content-addressed backup recovery
 * Copyright © 2026 Michael Grenfell
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mgrenfell/relic/internal/repoerr"
)

// Remote is a catalog handle proxying every read operation over HTTP
// to a remote catalog server. A session cookie obtained at login
// authenticates subsequent requests.
type Remote struct {
	base   string
	client *http.Client
}

// Dial initiates a session with a remote catalog. The host names the
// client whose catalog to open; token optionally authenticates.
func Dial(ctx context.Context, baseURL, host, token string) (*Remote, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	r := &Remote{base: baseURL, client: &http.Client{Jar: jar}}

	form := url.Values{"host": {host}}
	if token != "" {
		form.Set("token", token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", repoerr.ErrRemote, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: login returned %s", repoerr.ErrRemote, resp.Status)
	}
	return r, nil
}

// get fetches one operation result and decodes the JSON body into
// out. A JSON null leaves out untouched.
func (r *Remote) get(ctx context.Context, out any, op string, args ...string) error {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, op)
	for _, a := range args {
		parts = append(parts, url.PathEscape(a))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.base+strings.Join(parts, "/"), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", repoerr.ErrRemote, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s returned %s", repoerr.ErrRemote, op, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", repoerr.ErrRemote, op, err)
	}
	return nil
}

type wireSnapshot struct {
	Name       string `json:"name"`
	BackupSet  int64  `json:"backupset"`
	Session    string `json:"session"`
	StartTime  int64  `json:"starttime"`
	EndTime    int64  `json:"endtime"`
	ClientTime int64  `json:"clienttime"`
	Completed  bool   `json:"completed"`
	Priority   int    `json:"priority"`
}

func (w *wireSnapshot) snapshot() *Snapshot {
	if w == nil {
		return nil
	}
	return &Snapshot{
		ID:         w.BackupSet,
		Name:       w.Name,
		Session:    w.Session,
		StartTime:  w.StartTime,
		EndTime:    w.EndTime,
		ClientTime: w.ClientTime,
		Completed:  w.Completed,
		Priority:   w.Priority,
	}
}

type wireFile struct {
	Name          string `json:"name"`
	NameID        int64  `json:"nameid"`
	BackupSet     int64  `json:"backupset"`
	Inode         int64  `json:"inode"`
	Device        int64  `json:"device"`
	Parent        int64  `json:"parent"`
	ParentDev     int64  `json:"parentdev"`
	Dir           bool   `json:"dir"`
	Link          bool   `json:"link"`
	Size          int64  `json:"size"`
	MTime         int64  `json:"mtime"`
	CTime         int64  `json:"ctime"`
	ATime         int64  `json:"atime"`
	Mode          uint32 `json:"mode"`
	UID           int    `json:"uid"`
	GID           int    `json:"gid"`
	NLinks        int    `json:"nlinks"`
	Checksum      string `json:"checksum"`
	XattrChecksum string `json:"xattrchecksum"`
	ACLChecksum   string `json:"aclchecksum"`
}

func (w *wireFile) file() *File {
	if w == nil {
		return nil
	}
	return &File{
		Name: w.Name, NameID: w.NameID, BackupSet: w.BackupSet,
		Inode: w.Inode, Device: w.Device, Parent: w.Parent, ParentDev: w.ParentDev,
		Dir: w.Dir, Link: w.Link,
		Size: w.Size, MTime: w.MTime, CTime: w.CTime, ATime: w.ATime,
		Mode: w.Mode, UID: w.UID, GID: w.GID, NLinks: w.NLinks,
		Checksum: w.Checksum, XattrChecksum: w.XattrChecksum, ACLChecksum: w.ACLChecksum,
	}
}

type wireChecksum struct {
	ChecksumID  int64  `json:"checksumid"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
	DiskSize    int64  `json:"disksize"`
	Basis       string `json:"basis"`
	IsFile      bool   `json:"isfile"`
	Compressed  bool   `json:"compressed"`
	Encrypted   bool   `json:"encrypted"`
	ChainLength int    `json:"chainlength"`
}

func (w *wireChecksum) checksum() *Checksum {
	if w == nil {
		return nil
	}
	return &Checksum{
		ID: w.ChecksumID, Digest: w.Checksum, Size: w.Size, DiskSize: w.DiskSize,
		Basis: w.Basis, IsFile: w.IsFile, Compressed: w.Compressed,
		Encrypted: w.Encrypted, ChainLength: w.ChainLength,
	}
}

func (r *Remote) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var wire []wireSnapshot
	if err := r.get(ctx, &wire, "listBackupSets"); err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(wire))
	for i := range wire {
		out = append(out, *wire[i].snapshot())
	}
	return out, nil
}

func (r *Remote) LastSnapshot(ctx context.Context, completedOnly bool) (*Snapshot, error) {
	flag := "0"
	if completedOnly {
		flag = "1"
	}
	var wire *wireSnapshot
	if err := r.get(ctx, &wire, "lastBackupSet", flag); err != nil {
		return nil, err
	}
	return wire.snapshot(), nil
}

func (r *Remote) SnapshotByName(ctx context.Context, name string) (*Snapshot, error) {
	var wire *wireSnapshot
	if err := r.get(ctx, &wire, "getBackupSetInfo", name); err != nil {
		return nil, err
	}
	return wire.snapshot(), nil
}

func (r *Remote) SnapshotForTime(ctx context.Context, t time.Time) (*Snapshot, error) {
	var wire *wireSnapshot
	if err := r.get(ctx, &wire, "getBackupSetForTime", strconv.FormatInt(t.Unix(), 10)); err != nil {
		return nil, err
	}
	return wire.snapshot(), nil
}

func (r *Remote) FileByName(ctx context.Context, name string, parent InodeKey, bset int64) (*File, error) {
	var wire *wireFile
	err := r.get(ctx, &wire, "getFileInfoByName",
		strconv.FormatInt(bset, 10),
		strconv.FormatInt(parent.Device, 10),
		strconv.FormatInt(parent.Inode, 10),
		name)
	if err != nil {
		return nil, err
	}
	return wire.file(), nil
}

func (r *Remote) FileByPath(ctx context.Context, path string, bset int64) (*File, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var wire *wireFile
	if err := r.get(ctx, &wire, "getFileInfoByPath", strconv.FormatInt(bset, 10)+path); err != nil {
		return nil, err
	}
	return wire.file(), nil
}

func (r *Remote) FileByInode(ctx context.Context, ino InodeKey, bset int64) (*File, error) {
	var wire *wireFile
	err := r.get(ctx, &wire, "getFileInfoByInode",
		strconv.FormatInt(bset, 10),
		strconv.FormatInt(ino.Device, 10),
		strconv.FormatInt(ino.Inode, 10))
	if err != nil {
		return nil, err
	}
	return wire.file(), nil
}

func (r *Remote) ReadDirectory(ctx context.Context, dir InodeKey, bset int64) ([]File, error) {
	var wire []wireFile
	err := r.get(ctx, &wire, "readDirectory",
		strconv.FormatInt(bset, 10),
		strconv.FormatInt(dir.Device, 10),
		strconv.FormatInt(dir.Inode, 10))
	if err != nil {
		return nil, err
	}
	out := make([]File, 0, len(wire))
	for i := range wire {
		out = append(out, *wire[i].file())
	}
	return out, nil
}

func (r *Remote) ChecksumInfo(ctx context.Context, digest string) (*Checksum, error) {
	var wire *wireChecksum
	if err := r.get(ctx, &wire, "getChecksumInfo", digest); err != nil {
		return nil, err
	}
	return wire.checksum(), nil
}

// Chain walks basis pointers with repeated ChecksumInfo calls; the
// remote protocol has no bulk chain operation.
func (r *Remote) Chain(ctx context.Context, digest string) ([]Checksum, error) {
	var chain []Checksum
	seen := make(map[string]bool)
	for digest != "" {
		if seen[digest] {
			return nil, fmt.Errorf("%w: checksum chain contains a cycle at %s", repoerr.ErrRemote, digest)
		}
		seen[digest] = true

		ck, err := r.ChecksumInfo(ctx, digest)
		if err != nil {
			return nil, err
		}
		if ck == nil {
			return nil, fmt.Errorf("chain references missing checksum %s", digest)
		}
		chain = append(chain, *ck)
		digest = ck.Basis
	}
	return chain, nil
}

func (r *Remote) NamesForChecksum(ctx context.Context, digest string) ([]string, error) {
	var names []string
	if err := r.get(ctx, &names, "getNamesForChecksum", digest); err != nil {
		return nil, err
	}
	return names, nil
}

// FileData streams the raw bytes of a blob from the remote cache.
func (r *Remote) FileData(ctx context.Context, digest string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.base+"getFileData/"+url.PathEscape(digest), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: getFileData: %v", repoerr.ErrRemote, err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: getFileData returned %s", repoerr.ErrRemote, resp.Status)
	}
	return resp.Body, nil
}

// Close ends the session.
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
