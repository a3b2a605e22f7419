package wipe

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/system"
)

// ResolverOptions tune command selection.
type ResolverOptions struct {
	// PreferFirmware selects drive-level secure erase for solid state media
	// when the tool for it is installed.
	PreferFirmware bool
	// LookPath finds tools; exec.LookPath when nil.
	LookPath func(file string) (string, error)
}

func (o ResolverOptions) lookPath(name string) (string, bool) {
	lp := o.LookPath
	if lp == nil {
		lp = exec.LookPath
	}
	p, err := lp(name)
	if err != nil {
		return name, false
	}
	return p, true
}

// NewResolver returns the resolver for platform.
func NewResolver(platform system.Platform, opts ResolverOptions) (Resolver, error) {
	switch platform {
	case system.PlatformLinux:
		return &linuxResolver{opts: opts}, nil
	case system.PlatformDarwin:
		return &darwinResolver{opts: opts}, nil
	case system.PlatformWindows:
		return &windowsResolver{opts: opts}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupported, "platform %q", platform)
	}
}

// Tools lists the external programs a platform's resolver may use.
func Tools(platform system.Platform) []string {
	switch platform {
	case system.PlatformLinux:
		return []string{"shred", "nvme", "blkdiscard"}
	case system.PlatformDarwin:
		return []string{"diskutil"}
	case system.PlatformWindows:
		return []string{"sdelete"}
	default:
		return nil
	}
}

func unsupportedMedia(platform system.Platform, dev system.Device) error {
	return errors.Wrapf(ErrUnsupported, "%s media on %s (device %s)", dev.MediaClass, platform, dev.ID)
}

var unixEnv = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "LC_ALL=C"}

type linuxResolver struct {
	opts ResolverOptions
}

func (r *linuxResolver) Resolve(dev system.Device, opts Options) (*CommandSpec, error) {
	if dev.MediaClass == system.MediaAndroid {
		return nil, unsupportedMedia(system.PlatformLinux, dev)
	}

	if r.opts.PreferFirmware && dev.MediaClass.IsSolidState() {
		if dev.MediaClass == system.MediaNVMe {
			if nvme, ok := r.opts.lookPath("nvme"); ok {
				return &CommandSpec{
					Path:   nvme,
					Args:   []string{"format", dev.Path, "--ses=1", "--force"},
					Dir:    "/",
					Env:    unixEnv,
					Method: MethodNVMeFormat,
					Passes: 1,
				}, nil
			}
		}
		if discard, ok := r.opts.lookPath("blkdiscard"); ok {
			return &CommandSpec{
				Path:   discard,
				Args:   []string{"--secure", "--verbose", dev.Path},
				Dir:    "/",
				Env:    unixEnv,
				Method: MethodSecureDiscard,
				Passes: 1,
			}, nil
		}
	}

	passes := opts.EffectivePasses()
	shred, _ := r.opts.lookPath("shred")
	args := []string{"--verbose", "--force", "--iterations=" + strconv.Itoa(passes)}
	if opts.Verify {
		// final zero pass gives read-back checks a known pattern
		args = append(args, "--zero")
	}
	args = append(args, dev.Path)

	return &CommandSpec{
		Path:   shred,
		Args:   args,
		Dir:    "/",
		Env:    unixEnv,
		Method: MethodOverwrite,
		Passes: passes,
		Parser: ShredParser,
	}, nil
}

type darwinResolver struct {
	opts ResolverOptions
}

// diskutil secureErase levels and the passes each performs.
var diskutilLevels = []struct {
	level  string
	passes int
}{
	{"1", 1}, // single random pass
	{"4", 3}, // DoE 3-pass
	{"2", 7}, // DoD 7-pass
}

func (r *darwinResolver) Resolve(dev system.Device, opts Options) (*CommandSpec, error) {
	if dev.MediaClass == system.MediaAndroid {
		return nil, unsupportedMedia(system.PlatformDarwin, dev)
	}

	want := opts.EffectivePasses()
	chosen := diskutilLevels[len(diskutilLevels)-1]
	for _, l := range diskutilLevels {
		if l.passes >= want {
			chosen = l
			break
		}
	}

	diskutil, _ := r.opts.lookPath("diskutil")
	return &CommandSpec{
		Path:   diskutil,
		Args:   []string{"secureErase", chosen.level, dev.Path},
		Dir:    "/",
		Env:    unixEnv,
		Method: MethodDiskutilErase,
		Passes: chosen.passes,
		Parser: PercentParser,
	}, nil
}

type windowsResolver struct {
	opts ResolverOptions
}

var physicalDrive = regexp.MustCompile(`PhysicalDrive([0-9]+)$`)

func (r *windowsResolver) Resolve(dev system.Device, opts Options) (*CommandSpec, error) {
	if dev.MediaClass == system.MediaAndroid {
		return nil, unsupportedMedia(system.PlatformWindows, dev)
	}
	m := physicalDrive.FindStringSubmatch(dev.Path)
	if m == nil {
		return nil, errors.Newf("cannot derive disk number from %q", dev.Path)
	}

	passes := opts.EffectivePasses()
	sdelete, _ := r.opts.lookPath("sdelete")

	systemRoot := os.Getenv("SystemRoot")
	if systemRoot == "" {
		systemRoot = `C:\Windows`
	}

	return &CommandSpec{
		Path: sdelete,
		Args: []string{"-accepteula", "-nobanner", "-p", strconv.Itoa(passes), m[1]},
		Dir:  filepath.VolumeName(systemRoot) + `\`,
		Env: []string{
			"SystemRoot=" + systemRoot,
			"PATH=" + filepath.Join(systemRoot, "System32"),
		},
		Method: MethodSDeleteOverwrt,
		Passes: passes,
		Parser: PercentParser,
	}, nil
}
