package transform

import (
	"fmt"

	"github.com/dynsurround/classpatch/pkg/bytecode"
	"github.com/dynsurround/classpatch/pkg/config"
)

// Entry binds a patch to the classes it applies to and the gate that
// enables it.
type Entry struct {
	// Name identifies the entry in logs and errors.
	Name string
	// Classes are the accepted class names in dotted form. Nil accepts
	// every class.
	Classes Aliases
	// Gate names the config switch for the entry. Empty means always on.
	Gate  string
	Patch Patch
}

// Matches reports whether the entry applies to the named class.
func (e *Entry) Matches(className string) bool {
	if e.Classes == nil {
		return true
	}
	_, ok := e.Classes.Match(className)
	return ok
}

// Table is an ordered list of entries. It is built once and read-only
// afterwards.
type Table []Entry

// NewTable keeps the entries whose gate is on, in order. An entry naming
// an unknown gate is a configuration error.
func NewTable(entries []Entry, opts config.Options) (Table, error) {
	var t Table
	for _, e := range entries {
		if e.Patch == nil {
			return nil, fmt.Errorf("entry %q has no patch", e.Name)
		}
		if e.Gate != "" {
			if !config.IsGate(e.Gate) {
				return nil, fmt.Errorf("entry %q: unknown gate %q", e.Name, e.Gate)
			}
			if !opts.Enabled(e.Gate) {
				continue
			}
		}
		t = append(t, e)
	}
	return t, nil
}

// DefaultEntries returns the built-in patch set.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Name:    "weather",
			Classes: Aliases{"net.minecraft.client.renderer.EntityRenderer", "bqc"},
			Gate:    config.GateWeatherHook,
			Patch: &PrologueHook{
				Methods:  Aliases{"func_78484_h", "addRainParticles"},
				Owner:    "org/blockartistry/DynSurround/client/weather/RenderWeather",
				Name:     "addRainParticles",
				Desc:     "(Lnet/minecraft/client/renderer/EntityRenderer;)V",
				LoadOp:   bytecode.OpAload,
				ReturnOp: bytecode.OpReturn,
			},
		},
		{
			Name:    "reset-on-sleep",
			Classes: Aliases{"net.minecraft.world.WorldServer", "lw"},
			Gate:    config.GateResetOnSleepHook,
			Patch: &PrologueHook{
				Methods:  Aliases{"func_73051_P", "resetRainAndThunder"},
				Owner:    "org/blockartistry/DynSurround/server/PlayerSleepHandler",
				Name:     "resetRainAndThunder",
				Desc:     "(Lnet/minecraft/world/WorldServer;)V",
				LoadOp:   bytecode.OpAload,
				ReturnOp: bytecode.OpReturn,
				Once:     true,
			},
		},
		{
			Name:    "sound-manager",
			Classes: Aliases{"net.minecraft.client.audio.SoundHandler", "ccp"},
			Gate:    config.GateSoundManagerReplacement,
			Patch: &TypeSwap{
				From: "net/minecraft/client/audio/SoundManager",
				To:   "org/blockartistry/DynSurround/client/sound/SoundManagerReplacement",
			},
		},
		{
			Name:    "sound-cache",
			Classes: Aliases{"net.minecraft.client.audio.SoundManager", "ccn"},
			Gate:    config.GateSoundCacheHook,
			Patch: &PrologueHook{
				Methods:  Aliases{"func_148612_a", "getURLForSoundResource"},
				Owner:    "org/blockartistry/lib/sound/SoundCache",
				Name:     "getURLForSoundResource",
				Desc:     "(Lnet/minecraft/util/ResourceLocation;)Ljava/net/URL;",
				LoadOp:   bytecode.OpAload,
				ReturnOp: bytecode.OpAreturn,
				Once:     true,
			},
		},
		{
			Name: "random",
			Gate: config.GateRandomReplace,
			Patch: &TypeSwap{
				From: "java/util/Random",
				To:   "org/blockartistry/lib/random/XorShiftRandom",
			},
		},
	}
}
