package shaders

import (
	_ "embed"
)

//go:embed raygen.wgsl
var RayGenWGSL string

//go:embed compose.wgsl
var ComposeWGSL string
