/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package registry is the OCI registry client for feature and
// template artifacts: resolving references, fetching manifests and
// blobs with digest verification, listing tags, and publishing. It
// generalizes the ad hoc oras-go calls the teacher's feature resolver
// made inline into a reusable, authenticated client.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/cli/cli/config"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/mod/semver"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/redact"
)

// Credential resolves to registry authentication. The resolution
// order mirrors §6.7: an explicit bearer token, then a basic
// user/pass pair, then whatever ~/.docker/config.json has on file for
// the target host.
type Credential = auth.Credential

// Client talks to one or more OCI registries on demand, authenticating
// each repository lazily from the environment and Docker's credential
// store.
type Client struct {
	authClient *auth.Client
}

// NewClient builds a Client that resolves credentials from
// DEACON_REGISTRY_TOKEN, DEACON_REGISTRY_USER/DEACON_REGISTRY_PASS,
// and finally the user's Docker config file, in that order.
func NewClient() *Client {
	return &Client{
		authClient: &auth.Client{
			Client:     nil,
			Credential: auth.CredentialFunc(resolveCredential),
		},
	}
}

func resolveCredential(_ context.Context, host string) (auth.Credential, error) {
	if token := os.Getenv("DEACON_REGISTRY_TOKEN"); token != "" {
		redact.Add(token)
		return auth.Credential{RefreshToken: token}, nil
	}
	if user := os.Getenv("DEACON_REGISTRY_USER"); user != "" {
		pass := os.Getenv("DEACON_REGISTRY_PASS")
		redact.Add(pass)
		return auth.Credential{Username: user, Password: pass}, nil
	}

	cfgFile, err := config.Load(config.Dir())
	if err != nil {
		return auth.EmptyCredential, nil
	}
	authCfg, err := cfgFile.GetCredentialsStore(host).Get(host)
	if err != nil || (authCfg.Username == "" && authCfg.IdentityToken == "") {
		return auth.EmptyCredential, nil
	}
	redact.Add(authCfg.Password)
	redact.Add(authCfg.IdentityToken)
	return auth.Credential{
		Username:     authCfg.Username,
		Password:     authCfg.Password,
		RefreshToken: authCfg.IdentityToken,
	}, nil
}

// retryGet runs an idempotent fetch up to three times with a short
// exponential backoff, retrying transport errors only. Anything
// tagged as an auth, not-found, or integrity failure returns
// immediately.
func retryGet[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		var regErr *errtyp.RegistryError
		if !errors.As(err, &regErr) || regErr.Kind != "Transport" {
			return zero, err
		}
	}
	return zero, lastErr
}

func (c *Client) repository(ref string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, &errtyp.RegistryError{Kind: "NotFound", Message: err.Error(), Ref: ref, Cause: err}
	}
	repo.Client = c.authClient
	return repo, nil
}

// FetchManifest resolves ref and returns its raw manifest bytes along
// with the descriptor oras reported for it.
func (c *Client) FetchManifest(ctx context.Context, ref string) (ocispec.Descriptor, []byte, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	type fetched struct {
		desc ocispec.Descriptor
		raw  []byte
	}
	out, err := retryGet(ctx, func() (fetched, error) {
		desc, raw, err := oras.FetchBytes(ctx, repo, repo.Reference.Reference, oras.DefaultFetchBytesOptions)
		if err != nil {
			return fetched{}, &errtyp.RegistryError{Kind: "Transport", Message: err.Error(), Ref: ref, Cause: err}
		}
		return fetched{desc: desc, raw: raw}, nil
	})
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return out.desc, out.raw, nil
}

// FetchBlob fetches and digest-verifies a single blob by its
// descriptor, returning its decompressed-agnostic raw bytes. digest
// mismatches surface as errtyp.RegistryError{Kind: "IntegrityError"}
// rather than a generic error so the CLI layer can render ref,
// expected, and actual digests distinctly.
func (c *Client) FetchBlob(ctx context.Context, ref string, desc ocispec.Descriptor) ([]byte, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, err
	}
	raw, err := retryGet(ctx, func() ([]byte, error) {
		raw, err := content.FetchAll(ctx, repo, desc)
		if err != nil {
			return nil, &errtyp.RegistryError{Kind: "Transport", Message: err.Error(), Ref: ref, Cause: err}
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	actual := "sha256:" + hex.EncodeToString(sum[:])
	if desc.Digest.String() != actual {
		return nil, &errtyp.RegistryError{
			Kind:           "IntegrityError",
			Message:        "fetched blob digest does not match the descriptor",
			Ref:            ref,
			ExpectedDigest: desc.Digest.String(),
			ActualDigest:   actual,
		}
	}
	return raw, nil
}

// ListTags lists every tag published under repo (a registry/repository
// pair without a tag or digest), sorted by semantic version where
// possible with non-semver tags trailing in lexical order.
func (c *Client) ListTags(ctx context.Context, repoRef string) ([]string, error) {
	repo, err := c.repository(repoRef)
	if err != nil {
		return nil, err
	}

	tags, err := retryGet(ctx, func() ([]string, error) {
		var tags []string
		if err := repo.Tags(ctx, "", func(page []string) error {
			tags = append(tags, page...)
			return nil
		}); err != nil {
			return nil, &errtyp.RegistryError{Kind: "Transport", Message: err.Error(), Ref: repoRef, Cause: err}
		}
		return tags, nil
	})
	if err != nil {
		return nil, err
	}

	sortTagsBySemver(tags)
	return tags, nil
}

// sortTagsBySemver orders valid "vX.Y.Z"-shaped (or bare "X.Y.Z")
// semantic version tags ascending, trailing anything semver.IsValid
// rejects at the end in lexical order. golang.org/x/mod/semver is the
// one dependency in this tree with no teacher or example-pack
// precedent; see DESIGN.md for why no pack-sourced library covers
// semver comparison.
func sortTagsBySemver(tags []string) {
	normalize := func(t string) string {
		if strings.HasPrefix(t, "v") {
			return t
		}
		return "v" + t
	}

	for i := 1; i < len(tags); i++ {
		for j := i; j > 0; j-- {
			a, b := normalize(tags[j-1]), normalize(tags[j])
			va, vb := semver.IsValid(a), semver.IsValid(b)
			swap := false
			switch {
			case va && vb:
				swap = semver.Compare(a, b) > 0
			case vb && !va:
				swap = true
			default:
				swap = va == vb && tags[j-1] > tags[j]
			}
			if !swap {
				break
			}
			tags[j-1], tags[j] = tags[j], tags[j-1]
		}
	}
}

// PushManifest pushes a manifest and its referenced blobs (already
// pushed via PushBlob) to ref.
func (c *Client) PushManifest(ctx context.Context, ref string, mediaType string, manifest []byte) (ocispec.Descriptor, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digestOf(manifest),
		Size:      int64(len(manifest)),
	}
	if err := repo.Manifests().PushReference(ctx, desc, bytes.NewReader(manifest), repo.Reference.Reference); err != nil {
		return ocispec.Descriptor{}, &errtyp.RegistryError{Kind: "Transport", Message: err.Error(), Ref: ref, Cause: err}
	}
	return desc, nil
}

// PushBlob uploads raw as a single blob and returns its descriptor.
func (c *Client) PushBlob(ctx context.Context, ref string, mediaType string, raw []byte) (ocispec.Descriptor, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digestOf(raw),
		Size:      int64(len(raw)),
	}
	if err := repo.Blobs().Push(ctx, desc, bytes.NewReader(raw)); err != nil {
		return ocispec.Descriptor{}, &errtyp.RegistryError{Kind: "Transport", Message: err.Error(), Ref: ref, Cause: err}
	}
	return desc, nil
}

func digestOf(raw []byte) digest.Digest {
	sum := sha256.Sum256(raw)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
}

// FeatureManifestForLayer builds the single-layer OCI feature artifact
// manifest shape expected by §4.G: one config blob plus one tar layer.
func FeatureManifestForLayer(configDesc, layerDesc ocispec.Descriptor) ([]byte, error) {
	m := ocispec.Manifest{
		Versioned: ocispec.Versioned{SchemaVersion: 2},
		MediaType: "application/vnd.oci.image.manifest.v1+json",
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layerDesc},
	}
	return json.Marshal(m)
}

// DockerConfigPath reports the path config.Load would consult, exposed
// for diagnostics (e.g. `deacon read-configuration` auth debugging).
func DockerConfigPath() string {
	return filepath.Join(config.Dir(), config.ConfigFileName)
}
