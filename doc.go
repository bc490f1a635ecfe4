/*
Package linkmap keeps the records of dynamically loaded modules: which are
loaded in which namespace, how their symbol scopes chain together, where
their thread local storage lives and which address ranges they cover.

# Underwater

 1. A Runtime is started with the main program and its startup libraries,
    then modules come and go through Open and Close.
 2. Close unloads every module that no longer has a path from a directly
    opened or pinned module. Finalizers run dependents first, survivors
    get their scopes rewritten, TLS is reclaimed and the modules leave the
    address index.
 3. Symbol resolution and address lookups may run concurrently with Close:
    readers register with the Quiescence barrier and Close waits for them
    before releasing anything they could still be walking.

# Notes

 1. Initializers must not call back into the Runtime. Finalizers may close
    other modules through the Closer they are given.
 2. Broken invariants are reported to Config.OnFatal, which defaults to
    exiting the process.

# Packages

  - [github.com/ZenLiuCN/linkmap/findobj] is the lock free address index.
  - [github.com/ZenLiuCN/linkmap/pool] loads go object files with [goloader]
    and tracks them as modules.
  - [github.com/ZenLiuCN/linkmap/mapping] reserves address space for
    synthetic modules.
  - The inspect command runs unload scenarios and inspects object files.

[goloader]: https://github.com/pkujhd/goloader
*/
package linkmap
