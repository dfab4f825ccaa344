package policy

import "os"

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func tmpdirEnv() string {
	return os.Getenv("TMPDIR")
}
