package cidstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/gitissue/gitissue/internal/objstore"
)

// Objects are framed exactly like git loose objects ("<kind> <len>\x00body")
// so that the SHA-1 inside each CID equals the id git would assign.

const (
	kindBlob   = "blob"
	kindTree   = "tree"
	kindCommit = "commit"

	regularFileMode = "100644"
	sha1Size        = 20
)

func frame(kind string, body []byte) []byte {
	header := kind + " " + strconv.Itoa(len(body)) + "\x00"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// unframe splits a framed object into kind and body, checking the length.
func unframe(data []byte) (string, []byte, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("missing header terminator")
	}
	kind, size, ok := strings.Cut(string(data[:nul]), " ")
	if !ok {
		return "", nil, fmt.Errorf("malformed header %q", data[:nul])
	}
	n, err := strconv.Atoi(size)
	if err != nil {
		return "", nil, fmt.Errorf("malformed size %q", size)
	}
	body := data[nul+1:]
	if n != len(body) {
		return "", nil, fmt.Errorf("size %d does not match body length %d", n, len(body))
	}
	return kind, body, nil
}

// digest extracts the raw SHA-1 digest from an object id.
func digest(id objstore.ObjectID) ([]byte, error) {
	c, err := gocid.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode cid %q: %w", id, err)
	}
	dmh, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("decode multihash: %w", err)
	}
	if dmh.Code != multihash.SHA1 || len(dmh.Digest) != sha1Size {
		return nil, fmt.Errorf("unexpected hash function 0x%x", dmh.Code)
	}
	return dmh.Digest, nil
}

// idFromDigest rebuilds the object id for a raw SHA-1 digest.
func idFromDigest(d []byte) (objstore.ObjectID, error) {
	mh, err := multihash.Encode(d, multihash.SHA1)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return objstore.ObjectID(CIDToFilename(gocid.NewCidV1(gocid.GitRaw, mh))), nil
}

func idFromHex(s string) (objstore.ObjectID, error) {
	d, err := hex.DecodeString(s)
	if err != nil || len(d) != sha1Size {
		return "", fmt.Errorf("malformed object hash %q", s)
	}
	return idFromDigest(d)
}

func encodeTree(entry objstore.TreeEntry) ([]byte, error) {
	if entry.Name == "" || strings.ContainsAny(entry.Name, "/\x00") {
		return nil, fmt.Errorf("invalid tree entry name %q", entry.Name)
	}
	d, err := digest(entry.ID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(regularFileMode)
	buf.WriteByte(' ')
	buf.WriteString(entry.Name)
	buf.WriteByte(0)
	buf.Write(d)
	return buf.Bytes(), nil
}

func decodeTree(body []byte) ([]objstore.TreeEntry, error) {
	var entries []objstore.TreeEntry
	for len(body) > 0 {
		sp := bytes.IndexByte(body, ' ')
		nul := bytes.IndexByte(body, 0)
		if sp < 0 || nul < sp || len(body) < nul+1+sha1Size {
			return nil, fmt.Errorf("truncated tree entry")
		}
		id, err := idFromDigest(body[nul+1 : nul+1+sha1Size])
		if err != nil {
			return nil, err
		}
		entries = append(entries, objstore.TreeEntry{
			Name: string(body[sp+1 : nul]),
			ID:   id,
		})
		body = body[nul+1+sha1Size:]
	}
	return entries, nil
}

func encodeSignature(s objstore.Signature) string {
	return fmt.Sprintf("%s <%s> %d +0000", s.Name, s.Email, s.When.Unix())
}

func decodeSignature(line string) (objstore.Signature, error) {
	lt := strings.LastIndexByte(line, '<')
	gt := strings.LastIndexByte(line, '>')
	if lt < 0 || gt < lt {
		return objstore.Signature{}, fmt.Errorf("malformed signature %q", line)
	}
	sig := objstore.Signature{
		Name:  strings.TrimSpace(line[:lt]),
		Email: line[lt+1 : gt],
	}
	fields := strings.Fields(line[gt+1:])
	if len(fields) != 2 {
		return objstore.Signature{}, fmt.Errorf("malformed signature time %q", line[gt+1:])
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return objstore.Signature{}, fmt.Errorf("malformed signature time %q", fields[0])
	}
	sig.When = time.Unix(secs, 0).UTC()
	return sig, nil
}

func encodeCommit(c objstore.Commit) ([]byte, error) {
	tree, err := digest(c.Tree)
	if err != nil {
		return nil, fmt.Errorf("tree: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %x\n", tree)
	for _, p := range c.Parents {
		pd, err := digest(p)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		fmt.Fprintf(&buf, "parent %x\n", pd)
	}
	sig := encodeSignature(c.Author)
	fmt.Fprintf(&buf, "author %s\n", sig)
	fmt.Fprintf(&buf, "committer %s\n", sig)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

func decodeCommit(body []byte) (*objstore.Commit, error) {
	header, message, ok := strings.Cut(string(body), "\n\n")
	if !ok {
		return nil, fmt.Errorf("missing commit message separator")
	}
	c := &objstore.Commit{Message: message}
	for _, line := range strings.Split(header, "\n") {
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "tree":
			id, err := idFromHex(value)
			if err != nil {
				return nil, err
			}
			c.Tree = id
		case "parent":
			id, err := idFromHex(value)
			if err != nil {
				return nil, err
			}
			c.Parents = append(c.Parents, id)
		case "author":
			sig, err := decodeSignature(value)
			if err != nil {
				return nil, err
			}
			c.Author = sig
		}
	}
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("commit without tree")
	}
	return c, nil
}
