/*
   writ: a devcontainer.json parser
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

package writ

import (
	"strings"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// BaseImageKind tags the three mutually-exclusive ways a descriptor
// can name its base image.
type BaseImageKind int

const (
	BaseImageRef BaseImageKind = iota
	BaseImageDockerfile
	BaseImageCompose
)

func (k BaseImageKind) String() string {
	switch k {
	case BaseImageRef:
		return "image"
	case BaseImageDockerfile:
		return "dockerfile"
	case BaseImageCompose:
		return "compose"
	}
	return "unknown"
}

// BaseImageSelection is the validated, tagged form of a descriptor's
// base-image choice. Exactly one of the three field groups is
// populated, per the kind.
type BaseImageSelection struct {
	Kind BaseImageKind

	// Kind == BaseImageRef
	ImageRef string

	// Kind == BaseImageDockerfile
	DockerfilePath string
	Build          *BuildOptions

	// Kind == BaseImageCompose
	ComposeFiles []string
	Service      string
	RunServices  []string
}

// PrimaryReference is the single string most representative of the
// selection: the image ref, the dockerfile path, or the joined
// compose file list plus service.
func (s BaseImageSelection) PrimaryReference() string {
	switch s.Kind {
	case BaseImageRef:
		return s.ImageRef
	case BaseImageDockerfile:
		return s.DockerfilePath
	case BaseImageCompose:
		return strings.Join(s.ComposeFiles, ",") + "#" + s.Service
	}
	return ""
}

// BaseImage derives the tagged base-image selection from the raw
// descriptor fields, enforcing that exactly one of image, dockerFile
// (or build.dockerfile), and dockerComposeFile is present.
func (c DevcontainerConfig) BaseImage() (BaseImageSelection, error) {
	var selections []BaseImageSelection

	if c.Image != nil && len(*c.Image) > 0 {
		selections = append(selections, BaseImageSelection{Kind: BaseImageRef, ImageRef: *c.Image})
	}

	dockerfile := ""
	if c.DockerFile != nil && len(*c.DockerFile) > 0 {
		dockerfile = *c.DockerFile
	} else if c.Build != nil && c.Build.Dockerfile != nil && len(*c.Build.Dockerfile) > 0 {
		dockerfile = *c.Build.Dockerfile
	}
	if len(dockerfile) > 0 {
		selections = append(selections, BaseImageSelection{
			Kind:           BaseImageDockerfile,
			DockerfilePath: dockerfile,
			Build:          c.Build,
		})
	}

	if c.DockerComposeFile != nil && len(*c.DockerComposeFile) > 0 {
		sel := BaseImageSelection{
			Kind:         BaseImageCompose,
			ComposeFiles: []string(*c.DockerComposeFile),
		}
		if c.Service != nil {
			sel.Service = *c.Service
		}
		sel.RunServices = c.RunServices
		if len(sel.Service) == 0 {
			return BaseImageSelection{}, &errtyp.ConfigError{
				Kind:    "Validation",
				Message: "dockerComposeFile requires a service field",
			}
		}
		selections = append(selections, sel)
	}

	switch len(selections) {
	case 0:
		return BaseImageSelection{}, &errtyp.ConfigError{
			Kind:    "Validation",
			Message: "descriptor must name exactly one of image, dockerFile/build.dockerfile, or dockerComposeFile",
		}
	case 1:
		return selections[0], nil
	default:
		kinds := make([]string, len(selections))
		for i, sel := range selections {
			kinds[i] = sel.Kind.String()
		}
		return BaseImageSelection{}, &errtyp.ConfigError{
			Kind:    "Validation",
			Message: "descriptor names more than one base-image selection: " + strings.Join(kinds, ", "),
		}
	}
}
