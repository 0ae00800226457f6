// Package labels centralizes the container label namespace the engine owns
// exclusively. Every package that creates or inspects a container agrees on
// these keys so a label written by one operation is always read back
// correctly by another.
package labels

const Namespace = "fleetedge"

const (
	Managed        = Namespace + ".managed"
	Project        = Namespace + ".project"
	Type           = Namespace + ".type"
	App            = Namespace + ".app"
	Service        = Namespace + ".service"
	Color          = Namespace + ".color"
	Replica        = Namespace + ".replica"
	Active         = Namespace + ".active"
	ConfigHash     = Namespace + ".config-hash"
	FingerprintType = Namespace + ".fingerprint-type"
	SecretsHash    = Namespace + ".secrets-hash"
	ImageReference = Namespace + ".image-reference"
	LocalImageID   = Namespace + ".local-image-id"
)

// TypeApp and TypeService are the two values of the Type label.
const (
	TypeApp     = "app"
	TypeService = "service"
)

// ColorBlue and ColorGreen are the two values of the Color label.
const (
	ColorBlue  = "blue"
	ColorGreen = "green"
)
